package costguard

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/observability/metrics"
)

var (
	testMetricsOnce     sync.Once
	testMetricsRegistry *metrics.Registry
)

// sharedTestMetrics returns one Registry per test binary: metrics.New
// registers against the global Prometheus registerer, so a second call
// within the same process would panic on duplicate collector registration.
func sharedTestMetrics() *metrics.Registry {
	testMetricsOnce.Do(func() { testMetricsRegistry = metrics.New() })
	return testMetricsRegistry
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) { r.events = append(r.events, e) }

func newTestEngine(t *testing.T, clock *time.Time) (*Engine, *recordingEmitter) {
	t.Helper()
	emitter := &recordingEmitter{}
	eng := New(config.Default(), config.Tiers(), config.Providers(),
		WithEmitter(emitter),
		WithClock(func() time.Time { return *clock }),
	)
	return eng, emitter
}

func TestSelectTierPicksHighestAffordable(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	tier := eng.SelectTier(6_000)
	require.Equal(t, "premium", tier.Name)

	tier = eng.SelectTier(60_000)
	require.Equal(t, "flagship", tier.Name)

	tier = eng.SelectTier(10)
	require.Equal(t, "survival", tier.Name)
}

func TestTierOverridePinsSelection(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	eng.SetTierOverride("economy")
	tier := eng.SelectTier(60_000)
	require.Equal(t, "economy", tier.Name)

	eng.SetTierOverride("")
	tier = eng.SelectTier(60_000)
	require.Equal(t, "flagship", tier.Name)
}

func TestPreflightRejectsOverSingleCallCap(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	_, _, errResult := eng.PreflightCheck(60_000, 10_000, 600_000)
	require.NotNil(t, errResult)
	require.Equal(t, agenterrors.ConstitutionViolation, errResult.Category)
	require.True(t, agenterrors.IsFatal(errResult))
}

func TestPreflightRejectsOverCostRevenueRatio(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	_, _, errResult := eng.PreflightCheck(60_000, 100, 100)
	require.NotNil(t, errResult)
}

func TestPreflightApprovesOrdinaryCall(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	tier, provider, errResult := eng.PreflightCheck(60_000, 1_000_000, 1_000)
	require.Nil(t, errResult)
	require.Equal(t, "flagship", tier.Name)
	require.Equal(t, "anthropic", provider.ID)
}

func TestSurvivalModeEmittedAtZeroBalance(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now)

	_, _, _ = eng.PreflightCheck(0, 0, 0)
	require.True(t, eng.InSurvivalMode())

	var saw bool
	for _, e := range emitter.events {
		if _, ok := e.(SurvivalModeEvent); ok {
			saw = true
		}
	}
	require.True(t, saw)
}

func TestNextFallbackWalksChain(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now)

	anthropic := config.Providers()[0]
	next, ok := eng.NextFallback(anthropic, "timeout")
	require.True(t, ok)
	require.Equal(t, "openai", next.ID)

	groqFree := config.Providers()[3]
	_, ok = eng.NextFallback(groqFree, "timeout")
	require.False(t, ok)

	require.Len(t, emitter.events, 1)
}

func TestRecordCallAccumulatesHistoryAndPrunes(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	eng.RecordCall("anthropic", "flagship", 10_000, 500)
	require.Len(t, eng.History(), 1)

	now = now.Add(8 * 24 * time.Hour)
	eng.RecordCall("anthropic", "flagship", 20_000, 500)
	history := eng.History()
	require.Len(t, history, 1)
	require.Equal(t, int64(20_000), history[0].CostMicro)
}

func TestDetectPriceSpike(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	eng.RecordCall("anthropic", "flagship", 1_000, 100)
	eng.RecordCall("anthropic", "flagship", 1_000, 100)

	require.False(t, eng.DetectPriceSpike("anthropic", 2_500))
	require.True(t, eng.DetectPriceSpike("anthropic", 10_000))
}

func TestLoadBalanceNextRotates(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now)

	first := eng.LoadBalanceNext("flagship", 3)
	second := eng.LoadBalanceNext("flagship", 3)
	third := eng.LoadBalanceNext("flagship", 3)
	fourth := eng.LoadBalanceNext("flagship", 3)

	require.Equal(t, 0, first)
	require.Equal(t, 1, second)
	require.Equal(t, 2, third)
	require.Equal(t, 0, fourth)
}

func TestMetricsRecordCallsAndFallbacks(t *testing.T) {
	registry := sharedTestMetrics()
	now := time.Now().UTC()
	eng := New(config.Default(), config.Tiers(), config.Providers(),
		WithClock(func() time.Time { return now }),
		WithMetrics(registry),
	)

	eng.RecordCall("anthropic", "flagship", 10_000, 500)
	require.Equal(t, float64(1), testutil.ToFloat64(registry.LLMCallsTotal.WithLabelValues("anthropic", "success")))
	require.Equal(t, 1, testutil.CollectAndCount(registry.LLMCost))

	eng.RecordCall("anthropic", "flagship", 0, 0)
	require.Equal(t, float64(1), testutil.ToFloat64(registry.LLMCallsTotal.WithLabelValues("anthropic", "error")))

	anthropic := config.Providers()[0]
	_, ok := eng.NextFallback(anthropic, "timeout")
	require.True(t, ok)
	require.Equal(t, float64(1), testutil.ToFloat64(registry.LLMFallbacks.WithLabelValues("timeout")))
}

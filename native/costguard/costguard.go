// Package costguard implements CostGuard (spec.md §4.3): the component that
// stands between every call the agent wants to make and the LLM provider it
// calls, pre-flighting each request against the daily budget, per-call cap,
// and cost/revenue ratio before it spends a cent, then walking the
// provider's fallback chain on failure.
//
// Grounded on the teacher's native/lending tier/accrual-table shape
// (compile-time RiskParameters + a running accrual struct mutated under an
// Engine) generalized from interest-rate tiers to balance-indexed model
// tiers. Rate limiting within a tier's RPM ceiling borrows
// golang.org/x/time/rate, already part of the dependency graph this pack's
// gateway example wires for the same purpose.
package costguard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/observability/metrics"
)

// CallRecord is one entry in the 7-day rolling cost history (spec.md §4.3
// "CostGuard retains a 7-day rolling history of calls for price-spike
// detection").
type CallRecord struct {
	Timestamp time.Time
	Provider  string
	Tier      string
	CostMicro int64
	Tokens    int
}

// BudgetExceededEvent is emitted when a pre-flight check rejects a call for
// exceeding the daily or per-call budget.
type BudgetExceededEvent struct {
	Tier      string
	Requested int64
	Limit     int64
}

func (e BudgetExceededEvent) EventType() string { return "costguard.budget_exceeded" }

// FallbackEvent is emitted each time the provider fallback chain is walked.
type FallbackEvent struct {
	From   string
	To     string
	Reason string
}

func (e FallbackEvent) EventType() string { return "costguard.fallback" }

// SurvivalModeEvent is emitted when the router is forced onto the
// zero-cost survival tier because no paid tier's balance floor is met.
type SurvivalModeEvent struct{}

func (e SurvivalModeEvent) EventType() string { return "costguard.survival_mode" }

// limiterState bundles a tier's rolling RPM limiter with the daily spend
// accumulator CostGuard tracks against that tier.
type limiterState struct {
	limiter        *rate.Limiter
	dailySpent     int64
	dailyAnchor    time.Time
	loadBalanceCtr int
}

// Engine is CostGuard's injected-state engine, same shape as every other
// native/* component: constitution + emitter + clock, guarded by a mutex.
type Engine struct {
	mu sync.Mutex

	c       config.Constitution
	tiers   []config.ModelTier
	byName  map[string]config.ModelTier
	provs   map[string]config.ProviderConfig
	emitter events.Emitter
	nowFn   func() time.Time

	history       []CallRecord
	limiters      map[string]*limiterState
	overrideTier  string
	survivalMode  bool
	metrics       *metrics.Registry
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithEmitter(e events.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }

func WithClock(now func() time.Time) Option { return func(eng *Engine) { eng.nowFn = now } }

// WithMetrics wires a metrics.Registry; call cost/count and fallback events
// record against it when set.
func WithMetrics(m *metrics.Registry) Option { return func(eng *Engine) { eng.metrics = m } }

// New constructs a CostGuard engine from the compile-time tier and provider
// tables.
func New(c config.Constitution, tiers []config.ModelTier, providers []config.ProviderConfig, opts ...Option) *Engine {
	byName := make(map[string]config.ModelTier, len(tiers))
	for _, t := range tiers {
		byName[t.Name] = t
	}
	provs := make(map[string]config.ProviderConfig, len(providers))
	limiters := make(map[string]*limiterState, len(providers))
	now := time.Now().UTC()
	for _, p := range providers {
		provs[p.ID] = p
	}
	for _, t := range tiers {
		limiters[t.Name] = &limiterState{
			limiter:     rate.NewLimiter(rate.Limit(t.MaxRequestsPerMin)/60, t.MaxRequestsPerMin),
			dailyAnchor: now,
		}
	}
	eng := &Engine{
		c:        c,
		tiers:    tiers,
		byName:   byName,
		provs:    provs,
		emitter:  events.NoopEmitter{},
		nowFn:    time.Now,
		limiters: limiters,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

func (e *Engine) now() time.Time { return e.nowFn() }

// SelectTier implements spec.md §4.3's balance-indexed tier selection: the
// highest tier whose BalanceFloorUSD the current aggregate balance clears,
// unless an operator override is active.
func (e *Engine) SelectTier(balance types.Money) config.ModelTier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectTierLocked(balance)
}

func (e *Engine) selectTierLocked(balance types.Money) config.ModelTier {
	if e.overrideTier != "" {
		if t, ok := e.byName[e.overrideTier]; ok {
			return t
		}
	}
	var best config.ModelTier
	found := false
	for _, t := range e.tiers {
		if int64(balance) >= t.BalanceFloorUSD {
			if !found || t.Level > best.Level {
				best = t
				found = true
			}
		}
	}
	if !found && len(e.tiers) > 0 {
		// Lowest-floor tier (survival) is the backstop; it has a zero floor
		// so this branch is defensive only.
		best = e.tiers[len(e.tiers)-1]
	}
	return best
}

// SetTierOverride pins CostGuard to a named tier regardless of balance,
// cleared by passing an empty string.
func (e *Engine) SetTierOverride(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.overrideTier = name
}

// PreflightCheck implements the six-step admission sequence of spec.md §4.3
// before a call is allowed to proceed: tier resolution, per-call cap, daily
// budget, cost/revenue ratio, RPM limiter, then provider availability.
func (e *Engine) PreflightCheck(balance, recentRevenue types.Money, estimatedCostMicro int64) (config.ModelTier, config.ProviderConfig, *agenterrors.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tier := e.selectTierLocked(balance)
	e.survivalMode = tier.Name == "survival"
	if e.survivalMode {
		e.mu.Unlock()
		e.emitter.Emit(SurvivalModeEvent{})
		e.mu.Lock()
	}

	if estimatedCostMicro > e.c.MaxSingleCallCostUSDMicros {
		return tier, config.ProviderConfig{}, agenterrors.New(agenterrors.ConstitutionViolation, "estimated cost exceeds max single call cap")
	}

	state := e.limiterStateLocked(tier.Name)
	if e.now().Sub(state.dailyAnchor) > 24*time.Hour {
		state.dailySpent = 0
		state.dailyAnchor = e.now()
	}
	dailyLimitMicros := tier.DailyBudgetBase * 1_000_000
	if state.dailySpent+estimatedCostMicro > dailyLimitMicros && dailyLimitMicros > 0 {
		e.mu.Unlock()
		e.emitter.Emit(BudgetExceededEvent{Tier: tier.Name, Requested: state.dailySpent + estimatedCostMicro, Limit: dailyLimitMicros})
		e.mu.Lock()
		return tier, config.ProviderConfig{}, agenterrors.New(agenterrors.Validation, "exceeds tier daily budget")
	}

	if recentRevenue.Sign() > 0 {
		ratio := float64(estimatedCostMicro) / float64(recentRevenue)
		if ratio > e.c.MaxCostRevenueRatio {
			return tier, config.ProviderConfig{}, agenterrors.New(agenterrors.Validation, "exceeds cost/revenue ratio")
		}
	}

	if !state.limiter.AllowN(e.now(), 1) {
		return tier, config.ProviderConfig{}, agenterrors.New(agenterrors.RecoverableIO, "rate limit exceeded for tier")
	}

	provider, ok := e.provs[tier.ProviderID]
	if !ok {
		return tier, config.ProviderConfig{}, agenterrors.New(agenterrors.Validation, "tier references unknown provider")
	}
	return tier, provider, nil
}

func (e *Engine) limiterStateLocked(tierName string) *limiterState {
	s, ok := e.limiters[tierName]
	if !ok {
		s = &limiterState{limiter: rate.NewLimiter(rate.Inf, 1), dailyAnchor: e.now()}
		e.limiters[tierName] = s
	}
	return s
}

// NextFallback walks a provider's configured fallback chain, emitting a
// FallbackEvent, and returns the next provider to try or false if the chain
// is exhausted (spec.md §4.3 "on provider failure CostGuard walks the
// fallback chain until one succeeds or the chain is exhausted").
func (e *Engine) NextFallback(from config.ProviderConfig, reason string) (config.ProviderConfig, bool) {
	if len(from.Fallback) == 0 {
		return config.ProviderConfig{}, false
	}
	nextID := from.Fallback[0]
	e.mu.Lock()
	next, ok := e.provs[nextID]
	e.mu.Unlock()
	if !ok {
		return config.ProviderConfig{}, false
	}
	e.emitter.Emit(FallbackEvent{From: from.ID, To: next.ID, Reason: reason})
	if e.metrics != nil {
		e.metrics.LLMFallbacks.WithLabelValues(reason).Inc()
	}
	return next, true
}

// RecordCall appends a completed call to the 7-day rolling history and the
// tier's daily accumulator (spec.md §4.3 "response recording").
func (e *Engine) RecordCall(provider, tier string, costMicro int64, tokens int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.history = append(e.history, CallRecord{Timestamp: now, Provider: provider, Tier: tier, CostMicro: costMicro, Tokens: tokens})
	e.pruneHistoryLocked(now)
	state := e.limiterStateLocked(tier)
	if now.Sub(state.dailyAnchor) > 24*time.Hour {
		state.dailySpent = 0
		state.dailyAnchor = now
	}
	state.dailySpent += costMicro

	if e.metrics != nil {
		outcome := "success"
		if costMicro == 0 && tokens == 0 {
			outcome = "error"
		}
		e.metrics.LLMCallsTotal.WithLabelValues(provider, outcome).Inc()
		if outcome == "success" {
			e.metrics.LLMCost.WithLabelValues(provider, tier).Observe(float64(costMicro))
		}
	}
}

func (e *Engine) pruneHistoryLocked(now time.Time) {
	cutoff := now.Add(-7 * 24 * time.Hour)
	i := 0
	for i < len(e.history) && e.history[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.history = append([]CallRecord(nil), e.history[i:]...)
	}
}

// History returns a copy of the 7-day rolling call history.
func (e *Engine) History() []CallRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]CallRecord(nil), e.history...)
}

// DetectPriceSpike reports whether the most recent call's cost for a
// provider exceeds PriceSpikeRatio times that provider's average historical
// cost in the 7-day window (spec.md §4.3 price-spike guard).
func (e *Engine) DetectPriceSpike(provider string, latestCostMicro int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total, count int64
	for _, r := range e.history {
		if r.Provider == provider {
			total += r.CostMicro
			count++
		}
	}
	if count == 0 {
		return false
	}
	avg := total / count
	if avg == 0 {
		return false
	}
	return float64(latestCostMicro) > float64(avg)*e.c.PriceSpikeRatio
}

// LoadBalanceNext rotates among a set of equally-ranked providers within a
// tier for simple load distribution, returning the index to use next.
func (e *Engine) LoadBalanceNext(tierName string, count int) int {
	if count <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.limiterStateLocked(tierName)
	idx := state.loadBalanceCtr % count
	state.loadBalanceCtr++
	return idx
}

// InSurvivalMode reports whether the most recent PreflightCheck resolved to
// the zero-cost survival tier.
func (e *Engine) InSurvivalMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.survivalMode
}

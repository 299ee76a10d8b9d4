// Package metrics exposes the runtime's Prometheus registry. Grounded on the
// teacher's observability/metrics package (lazy-initialised, package-level
// singleton registries built with prometheus.NewXVec + MustRegister).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every counter/gauge/histogram the runtime's components
// record against. A single instance is constructed at boot and threaded
// through the components that need it; components never reach for a global.
type Registry struct {
	VaultBalance        *prometheus.GaugeVec
	VaultSpendRejected   *prometheus.CounterVec
	VaultDeaths          prometheus.Counter

	LLMCost              *prometheus.HistogramVec
	LLMCallsTotal         *prometheus.CounterVec
	LLMFallbacks          *prometheus.CounterVec

	PeerVerifications     *prometheus.CounterVec
	PeerTrustTier         *prometheus.GaugeVec
	PeerBans              prometheus.Counter

	PurchaseAttempts      *prometheus.CounterVec
	PhishingRejections    *prometheus.CounterVec

	HeartbeatTickDuration *prometheus.HistogramVec
}

var (
	once     sync.Once
	instance *Registry
)

// Default returns the process-wide lazily-constructed registry, mirroring
// the teacher's Potso()/ModuleMetrics() singleton-accessor idiom. Most
// production code should instead receive a *Registry explicitly at
// construction time; Default exists for cmd/agentd's wiring and for tests
// that don't care about isolation.
func Default() *Registry {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New constructs and registers a fresh Registry against the default
// Prometheus registerer. Tests that need isolation should use
// prometheus.NewRegistry() and prometheus.WrapRegistererWith instead of
// Default().
func New() *Registry {
	r := &Registry{
		VaultBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent", Subsystem: "vault", Name: "balance",
			Help: "Aggregate vault balance in the smallest chain denomination, by chain.",
		}, []string{"chain"}),
		VaultSpendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "vault", Name: "spend_rejected_total",
			Help: "Count of spend admission rejections by reason.",
		}, []string{"reason"}),
		VaultDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "vault", Name: "deaths_total",
			Help: "Count of vault mortality transitions (should be 0 or 1 per process lifetime).",
		}),
		LLMCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agent", Subsystem: "costguard", Name: "call_cost_usd_micros",
			Help:    "Distribution of per-call LLM cost in USD micros.",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		}, []string{"provider", "tier"}),
		LLMCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "costguard", Name: "calls_total",
			Help: "Count of LLM calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		LLMFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "costguard", Name: "fallbacks_total",
			Help: "Count of provider fallback events by trigger reason.",
		}, []string{"reason"}),
		PeerVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "peerverify", Name: "verifications_total",
			Help: "Count of peer verification runs by resulting trust tier.",
		}, []string{"tier"}),
		PeerTrustTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agent", Subsystem: "peerverify", Name: "cached_peers",
			Help: "Current cached peer count by trust tier.",
		}, []string{"tier"}),
		PeerBans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "peerverify", Name: "bans_total",
			Help: "Count of peers transitioned to permanent ban via strike accumulation.",
		}),
		PurchaseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "purchasing", Name: "attempts_total",
			Help: "Count of purchase attempts by merchant and outcome.",
		}, []string{"merchant", "outcome"}),
		PhishingRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent", Subsystem: "purchasing", Name: "phishing_rejections_total",
			Help: "Count of anti-phishing pipeline rejections by layer.",
		}, []string{"layer"}),
		HeartbeatTickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agent", Subsystem: "heartbeat", Name: "step_duration_seconds",
			Help:    "Per-step duration of a heartbeat tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
	}
	prometheus.MustRegister(
		r.VaultBalance, r.VaultSpendRejected, r.VaultDeaths,
		r.LLMCost, r.LLMCallsTotal, r.LLMFallbacks,
		r.PeerVerifications, r.PeerTrustTier, r.PeerBans,
		r.PurchaseAttempts, r.PhishingRejections,
		r.HeartbeatTickDuration,
	)
	return r
}

// Package config holds the compile-time constitution of the agent runtime:
// the spend ratios, grace periods, tier thresholds, trust tiers, known
// merchants, and trusted domains every other package treats as the single
// source of truth. Values are overridable at boot via a TOML file but ship
// with the defaults below baked in, mirroring the teacher's config.Load
// pattern of "decode over a populated default struct".
package config

import "time"

// Constitution is the full set of tunable constants described in spec.md §6.
// It is loaded once at boot and passed by value (or pointer-to-immutable) to
// every component; nothing mutates it after boot.
type Constitution struct {
	MaxDailySpendRatio    float64 `toml:"MaxDailySpendRatio"`
	MaxSingleSpendRatio   float64 `toml:"MaxSingleSpendRatio"`
	DeathThresholdUSD     int64   `toml:"DeathThresholdUSD"`
	MinVaultReserveUSD    int64   `toml:"MinVaultReserveUSD"`
	SurvivalReserveUSD    int64   `toml:"SurvivalReserveUSD"`
	InsolvencyGraceDays   int     `toml:"InsolvencyGraceDays"`
	InsolvencyTolerance   float64 `toml:"InsolvencyTolerance"`
	IndependenceThreshold int64   `toml:"IndependenceThreshold"`
	IndependencePayoutBps int64   `toml:"IndependencePayoutRatio"`
	RenouncePayoutBps     int64   `toml:"RenouncePayoutRatio"`
	CreatorDividendBps    int64   `toml:"CreatorDividendRate"`
	PrincipalMultiplier   int64   `toml:"CreatorPrincipalMultiplier"`

	MaxSingleCallCostUSDMicros int64   `toml:"MaxSingleCallCostUSD"`
	MaxCostRevenueRatio        float64 `toml:"MaxCostRevenueRatio"`
	PriceSpikeRatio            float64 `toml:"PriceSpikeRatio"`

	MaxSinglePurchaseUSDMicros int64 `toml:"MaxSinglePurchaseUSD"`

	PeerVerificationCacheTTL              time.Duration `toml:"PeerVerificationCacheTTL"`
	PeerMinBalanceUSD                     int64         `toml:"PeerMinBalanceUSD"`
	PeerNonceAnomalyRatio                 float64       `toml:"PeerNonceAnomalyRatio"`
	PeerMinAutonomyScore                  float64       `toml:"PeerMinAutonomyScore"`
	InvalidDeploymentMethodStrikeThreshold int          `toml:"InvalidDeploymentMethodStrikeThreshold"`
	HighTrustMinDaysAlive                 int           `toml:"HighTrustMinDaysAlive"`
	HighTrustMinAutonomyScore             float64       `toml:"HighTrustMinAutonomyScore"`
	TrustedDomainActivationDelay          time.Duration `toml:"TrustedDomainActivationDelay"`
	// KnownGoodVaultBytecodeHashes is the set of deployed-bytecode hashes
	// (hex, 0x-prefixed) the constitution recognizes as the genuine vault
	// contract, spec.md §4.4 check 8 — the check separating STRUCTURAL from
	// VERIFIED trust.
	KnownGoodVaultBytecodeHashes []string `toml:"KnownGoodVaultBytecodeHashes"`

	TweetCharLimit     int `toml:"TweetCharLimit"`
	TweetCharLimitBlue int `toml:"TweetCharLimitBlue"`

	ConstitutionGraceDays int `toml:"ConstitutionGraceDays"`

	HeartbeatInterval time.Duration `toml:"HeartbeatInterval"`
	LLMCallTimeout    time.Duration `toml:"LLMCallTimeout"`

	GovernanceQueueCap int `toml:"GovernanceQueueCap"`

	DecisionStreamMaxEntries  int `toml:"DecisionStreamMaxEntries"`
	HighlightStreamMaxEntries int `toml:"HighlightStreamMaxEntries"`

	PurchaseOrderExpiryFloor time.Duration `toml:"PurchaseOrderExpiryFloor"`

	MaxSingleOrderPriceMicros int64 `toml:"MaxSingleOrderPrice"`
}

// Default returns the constitution with every spec.md §6 default populated.
// A deployment may override any field through a TOML file loaded on top of
// this baseline via Load.
func Default() Constitution {
	return Constitution{
		MaxDailySpendRatio:    0.50,
		MaxSingleSpendRatio:   0.30,
		DeathThresholdUSD:     0,
		MinVaultReserveUSD:    500,
		SurvivalReserveUSD:    100,
		InsolvencyGraceDays:   28,
		InsolvencyTolerance:   0.01,
		IndependenceThreshold: 1_000_000,
		IndependencePayoutBps: 3_000,
		RenouncePayoutBps:     2_000,
		CreatorDividendBps:    1_000,
		PrincipalMultiplier:   2,

		MaxSingleCallCostUSDMicros: 500_000,
		MaxCostRevenueRatio:        0.30,
		PriceSpikeRatio:            3.0,

		MaxSinglePurchaseUSDMicros: 100_000_000,

		PeerVerificationCacheTTL:               time.Hour,
		PeerMinBalanceUSD:                      300,
		PeerNonceAnomalyRatio:                  2.0,
		PeerMinAutonomyScore:                   0.55,
		InvalidDeploymentMethodStrikeThreshold: 3,
		HighTrustMinDaysAlive:                  90,
		HighTrustMinAutonomyScore:              0.85,
		TrustedDomainActivationDelay:           5 * time.Minute,
		KnownGoodVaultBytecodeHashes:           nil,

		TweetCharLimit:     280,
		TweetCharLimitBlue: 4000,

		ConstitutionGraceDays: 28,

		HeartbeatInterval: time.Hour,
		LLMCallTimeout:    30 * time.Second,

		GovernanceQueueCap: 500,

		DecisionStreamMaxEntries:  50_000,
		HighlightStreamMaxEntries: 5_000,

		PurchaseOrderExpiryFloor: 30 * time.Minute,

		MaxSingleOrderPriceMicros: 100_000_000,
	}
}

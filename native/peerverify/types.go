// Package peerverify implements BehaviorAnalyzer and PeerVerifier (spec.md
// §4.4): before transacting with another on-chain agent, the runtime checks
// that its vault actually behaves like a sovereign agent's vault and not a
// human-operated wallet impersonating one. Grounded on the teacher's
// native/reputation package (TTL'd, revocable ledger entries behind an
// Engine facade) generalized from externally-issued attestations to a
// locally-computed, cached verification result with a strike counter.
package peerverify

import "time"

// TrustTier closes the enumeration of trust outcomes (spec.md §4.4), ordered
// from least to most trusted.
type TrustTier int

const (
	TierBanned TrustTier = iota
	TierUnverified
	TierStructural
	TierVerified
	TierBehavioral
	TierHighTrust
)

func (t TrustTier) String() string {
	switch t {
	case TierBanned:
		return "BANNED"
	case TierUnverified:
		return "UNVERIFIED"
	case TierStructural:
		return "STRUCTURAL"
	case TierVerified:
		return "VERIFIED"
	case TierBehavioral:
		return "BEHAVIORAL"
	case TierHighTrust:
		return "HIGH_TRUST"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of one verification run, cached by address+chain.
// ChecksPassed/ChecksFailed record which of the ten ordered checks (spec.md
// §4.4) ran to completion before the pipeline stopped; the pipeline is
// fail-closed, so ChecksFailed never has more than one entry.
type Result struct {
	Address          string
	ChainID          string
	Tier             TrustTier
	Reason           string
	CheckedAt        time.Time
	ExpiresAt        time.Time
	FromCache        bool
	DaysAlive        float64
	AutonomyScore    float64
	NonceRatio       float64
	DeploymentMethod string
	BytecodeHash     string
	ChecksPassed     []int
	ChecksFailed     []int
	StrikeCount      int
	Banned           bool
}

// PeerData is the set of facts a verification run needs about the candidate
// peer, gathered by the caller before invoking Verify. AIWallet, Creator,
// Alive, GraceDays, DeploymentMethod, BytecodeHash, and NonceCount are
// on-chain facts (chainexec.Executor.ReadPeerVaultState) — spec.md §4.4
// never trusts a peer's self-reported status for anything a contract read
// can answer directly. The behavioral-scoring fields remain caller-supplied,
// since no contract exposes them.
type PeerData struct {
	Address            string
	ChainID            string
	AIWallet           string
	Creator            string
	Alive              bool
	GraceDays          int
	DeploymentMethod   string
	BytecodeHash       string
	BalanceUSD         int64
	NonceCount         uint64
	ExpectedNonceRange uint64
	BirthTimestamp     time.Time
	ActivityVariance   float64 // lower means more bot-like/regular, used in autonomy scoring
	SpendDiversity     float64 // fraction of distinct spend categories used, 0..1
}

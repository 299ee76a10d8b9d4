package peerverify

import (
	"strings"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/observability/metrics"
)

// BannedEvent is emitted when a peer accumulates enough strikes to be
// permanently banned.
type BannedEvent struct {
	Address string
	Reason  string
}

func (e BannedEvent) EventType() string { return "peerverify.banned" }

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Engine is PeerVerifier's injected-state engine. Successful and
// structural-failure results are cached for the constitution's TTL; RPC
// errors are never cached (spec.md §4.4 "a transient read failure must not
// be memorized as a verdict").
type Engine struct {
	mu sync.Mutex

	c       config.Constitution
	emitter events.Emitter
	nowFn   func() time.Time

	cache          map[string]cacheEntry
	strikes        map[string]int
	banned         map[string]bool
	urls           map[string]string
	lastVerifiedAt map[string]time.Time
	originProofCache map[[32]byte]bool
	metrics        *metrics.Registry
}

type Option func(*Engine)

func WithEmitter(e events.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }
func WithClock(now func() time.Time) Option { return func(eng *Engine) { eng.nowFn = now } }

// WithMetrics wires a metrics.Registry; verification counts, cached
// trust-tier population, and ban events record against it when set.
func WithMetrics(m *metrics.Registry) Option { return func(eng *Engine) { eng.metrics = m } }

// observeTrustTiersLocked recomputes the cached-peer-count-by-tier gauge
// from the current cache contents. Callers must hold e.mu.
func (e *Engine) observeTrustTiersLocked() {
	if e.metrics == nil {
		return
	}
	counts := map[TrustTier]int{}
	for _, entry := range e.cache {
		counts[entry.result.Tier]++
	}
	for _, tier := range []TrustTier{TierUnverified, TierStructural, TierVerified, TierBehavioral, TierHighTrust} {
		e.metrics.PeerTrustTier.WithLabelValues(tier.String()).Set(float64(counts[tier]))
	}
}

func New(c config.Constitution, opts ...Option) *Engine {
	eng := &Engine{
		c:       c,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		cache:          make(map[string]cacheEntry),
		strikes:        make(map[string]int),
		banned:         make(map[string]bool),
		urls:           make(map[string]string),
		lastVerifiedAt: make(map[string]time.Time),
		originProofCache: make(map[[32]byte]bool),
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

func (e *Engine) now() time.Time { return e.nowFn() }

func cacheKey(address, chainID string) string { return chainID + ":" + address }

// CachedKeyOriginCheck memoizes the result of an expensive key-origin
// verification (e.g. confirming a peer's deployment bytecode or signed
// origin attestation against a known-good template) by the content hash of
// the proof bytes, so repeated Fetch calls that hand back identical proof
// material don't redo the check every verification cycle. A transient
// verification error should not be passed through verify's bool result;
// callers that can fail should retry outside the cache instead of caching
// a false negative.
func (e *Engine) CachedKeyOriginCheck(proof []byte, verify func([]byte) bool) bool {
	hash := blake3.Sum256(proof)

	e.mu.Lock()
	if cached, ok := e.originProofCache[hash]; ok {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	result := verify(proof)

	e.mu.Lock()
	e.originProofCache[hash] = result
	e.mu.Unlock()
	return result
}

// RegisterPeerURL records a peer's self-reported registration endpoint so
// StaleAddresses can list the peer for refresh. Verify does not check it.
func (e *Engine) RegisterPeerURL(address, url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls[address] = url
}

// Invalidate clears a cached verification result, forcing the next Verify
// call to recompute it.
func (e *Engine) Invalidate(address, chainID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, cacheKey(address, chainID))
}

// Verify runs the ten-check pipeline against peer data already gathered by
// the caller, returning a cached result when one is fresh (spec.md §4.4).
// The pipeline is fail-closed: the first failing check determines the
// returned tier and reason, and no later check runs.
func (e *Engine) Verify(data PeerData) (Result, *agenterrors.Error) {
	e.mu.Lock()
	key := cacheKey(data.Address, data.ChainID)
	if e.banned[data.Address] {
		strikes := e.strikes[data.Address]
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.PeerVerifications.WithLabelValues(TierBanned.String()).Inc()
		}
		return Result{Address: data.Address, ChainID: data.ChainID, Tier: TierBanned, Reason: "permanently banned", CheckedAt: e.now(), Banned: true, StrikeCount: strikes}, nil
	}
	if entry, ok := e.cache[key]; ok && e.now().Before(entry.expiresAt) {
		e.mu.Unlock()
		cached := entry.result
		cached.FromCache = true
		if e.metrics != nil {
			e.metrics.PeerVerifications.WithLabelValues(cached.Tier.String()).Inc()
		}
		return cached, nil
	}
	e.mu.Unlock()

	result, strike, reason := e.evaluate(data)

	e.mu.Lock()
	defer e.mu.Unlock()

	if strike {
		e.strikes[data.Address]++
		result.StrikeCount = e.strikes[data.Address]
		if e.strikes[data.Address] >= e.c.InvalidDeploymentMethodStrikeThreshold {
			e.banned[data.Address] = true
			delete(e.cache, key)
			if e.metrics != nil {
				e.metrics.PeerBans.Inc()
				e.metrics.PeerVerifications.WithLabelValues(TierBanned.String()).Inc()
			}
			e.observeTrustTiersLocked()
			e.mu.Unlock()
			e.emitter.Emit(BannedEvent{Address: data.Address, Reason: reason})
			e.mu.Lock()
			return Result{Address: data.Address, ChainID: data.ChainID, Tier: TierBanned, Reason: reason, CheckedAt: e.now(), Banned: true, StrikeCount: result.StrikeCount}, nil
		}
	}

	// RPC-error style failures are signaled via the agenterrors return and
	// are never written to cache; every path reaching here is a structural
	// or behavioral verdict, cacheable per spec.md §4.4.
	result.CheckedAt = e.now()
	result.ExpiresAt = e.now().Add(e.c.PeerVerificationCacheTTL)
	e.cache[key] = cacheEntry{result: result, expiresAt: result.ExpiresAt}
	e.lastVerifiedAt[data.Address] = result.CheckedAt
	if e.metrics != nil {
		e.metrics.PeerVerifications.WithLabelValues(result.Tier.String()).Inc()
	}
	e.observeTrustTiersLocked()
	return result, nil
}

// evaluate runs the ten ordered checks of spec.md §4.4 in-memory, fail-closed:
// the first failing check fixes the tier and reason and no later check runs.
// strike reports whether this failure counts toward the invalid-deployment-
// method strike counter (spec.md §4.4 "three consecutive strikes is a
// permanent ban").
func (e *Engine) evaluate(data PeerData) (result Result, strike bool, reason string) {
	base := Result{Address: data.Address, ChainID: data.ChainID}
	var passed []int

	// 1. ai_wallet != 0: sovereignty completed.
	if isZeroAddress(data.AIWallet) {
		return withChecks(base, passed, 1, TierUnverified, "ai wallet not set"), false, "ai wallet not set"
	}
	passed = append(passed, 1)

	// 2. creator != 0.
	if isZeroAddress(data.Creator) {
		return withChecks(base, passed, 2, TierUnverified, "creator not set"), false, "creator not set"
	}
	passed = append(passed, 2)

	// 3. ai_wallet != creator: a human must not still control the AI key.
	if strings.EqualFold(data.AIWallet, data.Creator) {
		return withChecks(base, passed, 3, TierUnverified, "ai wallet equals creator"), false, "ai wallet equals creator"
	}
	passed = append(passed, 3)

	// 4. Contract must report itself alive.
	if !data.Alive {
		return withChecks(base, passed, 4, TierUnverified, "contract reports not alive"), false, "contract reports not alive"
	}
	passed = append(passed, 4)

	// 5. graceDays must equal the constitution's unmodified value.
	if data.GraceDays != e.c.ConstitutionGraceDays {
		return withChecks(base, passed, 5, TierUnverified, "constitution grace days modified"), false, "constitution grace days modified"
	}
	passed = append(passed, 5)

	// 6. On-chain balance floor.
	if data.BalanceUSD < e.c.PeerMinBalanceUSD {
		return withChecks(base, passed, 6, TierUnverified, "balance below peer minimum"), false, "balance below peer minimum"
	}
	passed = append(passed, 6)

	// 7. Deployment method must be a recognized legitimate path; "invalid"
	// is a structural failure that also contributes a strike toward
	// permanent ban.
	if !validDeploymentMethod(data.DeploymentMethod) {
		r := withChecks(base, passed, 7, TierUnverified, "invalid deployment method")
		r.DeploymentMethod = data.DeploymentMethod
		return r, true, "invalid deployment method"
	}
	passed = append(passed, 7)

	// Checks 1-7 all pass: STRUCTURAL.
	result = withChecks(base, passed, 0, TierStructural, "structural checks passed")
	result.DeploymentMethod = data.DeploymentMethod
	result.DaysAlive = e.now().Sub(data.BirthTimestamp).Hours() / 24

	// 8. Deployed bytecode hash must be in the constitution's known-good
	// set — the check separating STRUCTURAL from VERIFIED.
	result.BytecodeHash = data.BytecodeHash
	if !e.bytecodeKnownGood(data.BytecodeHash) {
		return result, false, ""
	}
	passed = append(passed, 8)
	result.ChecksPassed = append([]int{}, passed...)
	result.Tier = TierVerified
	result.Reason = "structural and bytecode checks passed"

	// 9. Nonce / expected-vault-action ratio: a BEHAVIORAL-only signal that
	// must never gate STRUCTURAL or VERIFIED (tier formula STRUCTURAL=1-7,
	// VERIFIED=+8, BEHAVIORAL=+9,10).
	nonceRatio := 1.0
	if data.ExpectedNonceRange > 0 {
		nonceRatio = float64(data.NonceCount) / float64(data.ExpectedNonceRange)
	}
	result.NonceRatio = nonceRatio
	if nonceRatio > e.c.PeerNonceAnomalyRatio || nonceRatio < 1/e.c.PeerNonceAnomalyRatio {
		return result, false, ""
	}

	// 10. Autonomy score: timing regularity and spend-category diversity.
	autonomyScore := computeAutonomyScore(data)
	result.AutonomyScore = autonomyScore
	if autonomyScore < e.c.PeerMinAutonomyScore {
		return result, false, ""
	}

	passed = append(passed, 9, 10)
	result.ChecksPassed = append([]int{}, passed...)
	result.Tier = TierBehavioral
	result.Reason = "verified with confirmed behavioral signals"

	// High trust: sustained history plus top-decile autonomy score.
	if result.DaysAlive >= float64(e.c.HighTrustMinDaysAlive) && autonomyScore >= e.c.HighTrustMinAutonomyScore {
		result.Tier = TierHighTrust
		result.Reason = "high trust: sustained history and autonomy score"
	}

	return result, false, ""
}

func withChecks(r Result, passed []int, failed int, tier TrustTier, reason string) Result {
	r.Tier = tier
	r.Reason = reason
	if len(passed) > 0 {
		r.ChecksPassed = append([]int{}, passed...)
	}
	if failed != 0 {
		r.ChecksFailed = []int{failed}
	}
	return r
}

// isZeroAddress reports whether a hex address string is unset or the zero
// address, used for spec.md §4.4 checks 1-3.
func isZeroAddress(addr string) bool {
	trimmed := strings.TrimPrefix(addr, "0x")
	if trimmed == "" {
		return true
	}
	for _, r := range trimmed {
		if r != '0' {
			return false
		}
	}
	return true
}

// validDeploymentMethod reports whether a deployment method string is one
// of the four legitimate paths spec.md §4.4 check 7 recognizes.
func validDeploymentMethod(method string) bool {
	switch method {
	case "factory", "creator", "migrated", "unknown-legacy":
		return true
	default:
		return false
	}
}

// bytecodeKnownGood reports whether a deployed-bytecode hash is present in
// the constitution's known-good set (spec.md §4.4 check 8).
func (e *Engine) bytecodeKnownGood(hash string) bool {
	if hash == "" {
		return false
	}
	for _, known := range e.c.KnownGoodVaultBytecodeHashes {
		if strings.EqualFold(known, hash) {
			return true
		}
	}
	return false
}

// computeAutonomyScore blends activity regularity and spend-category
// diversity into a single 0..1 score (spec.md §4.4 "autonomy score combines
// behavioral signals no static check can see"). Lower activity variance
// (more regular/bot-like cadence) and broader spend diversity both raise
// the score, weighted evenly.
func computeAutonomyScore(data PeerData) float64 {
	varianceComponent := 1 - clamp01(data.ActivityVariance)
	diversityComponent := clamp01(data.SpendDiversity)
	return (varianceComponent + diversityComponent) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GetTrustedPeers returns every cached verification result at or above
// minTier, pruning expired entries as it scans (spec.md §4.4
// `get_trusted_peers(minTier)`).
func (e *Engine) GetTrustedPeers(minTier TrustTier) []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	out := make([]Result, 0)
	for key, entry := range e.cache {
		if now.After(entry.expiresAt) {
			delete(e.cache, key)
			continue
		}
		if entry.result.Tier >= minTier {
			out = append(out, entry.result)
		}
	}
	return out
}

// IsBanned reports whether an address has accumulated a permanent ban.
func (e *Engine) IsBanned(address string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.banned[address]
}

// StaleAddresses returns up to limit registered peer addresses never
// verified or last verified more than the cache TTL ago, used by the
// heartbeat's bounded "refresh peers with stale cache" step (spec.md §4.6
// step 5).
func (e *Engine) StaleAddresses(limit int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	out := make([]string, 0, limit)
	for address := range e.urls {
		if e.banned[address] {
			continue
		}
		checkedAt, ok := e.lastVerifiedAt[address]
		if ok && now.Sub(checkedAt) < e.c.PeerVerificationCacheTTL {
			continue
		}
		out = append(out, address)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

package peerverify

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/config"
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

const goodBytecodeHash = "0xfeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

func testConstitution() config.Constitution {
	c := config.Default()
	c.KnownGoodVaultBytecodeHashes = []string{goodBytecodeHash}
	return c
}

func newTestEngine(t *testing.T, clock *time.Time) *Engine {
	t.Helper()
	return New(testConstitution(), WithClock(func() time.Time { return *clock }))
}

// validPeer clears all ten checks of spec.md §4.4: ActivityVariance 0.2 and
// SpendDiversity 0.3 put the autonomy score exactly at the 0.55 default
// floor, so it reaches BEHAVIORAL (not just VERIFIED).
func validPeer(now time.Time) PeerData {
	return PeerData{
		Address:            "peer1qxyz",
		ChainID:            "base",
		AIWallet:           "0x000000000000000000000000000000000000AA",
		Creator:            "0x000000000000000000000000000000000000BB",
		Alive:              true,
		GraceDays:          28,
		DeploymentMethod:   "factory",
		BytecodeHash:       goodBytecodeHash,
		BalanceUSD:         1_000,
		NonceCount:         100,
		ExpectedNonceRange: 100,
		BirthTimestamp:     now.Add(-10 * 24 * time.Hour),
		ActivityVariance:   0.2,
		SpendDiversity:     0.3,
	}
}

func TestVerifyAllTenChecksPassReachesBehavioral(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	result, errResult := eng.Verify(validPeer(now))
	require.Nil(t, errResult)
	require.Equal(t, TierBehavioral, result.Tier)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, result.ChecksPassed)
	require.Empty(t, result.ChecksFailed)
}

func TestVerifyAIWalletUnsetRejected(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.AIWallet = "0x0000000000000000000000000000000000000000"

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, []int{1}, result.ChecksFailed)
}

func TestVerifyCreatorUnsetRejected(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.Creator = ""

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, []int{2}, result.ChecksFailed)
}

func TestVerifyAIWalletEqualsCreatorRejected(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.Creator = data.AIWallet

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, []int{3}, result.ChecksFailed)
}

func TestVerifyNotAliveRejected(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.Alive = false

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, []int{4}, result.ChecksFailed)
}

func TestVerifyModifiedGraceDaysRejected(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.GraceDays = 14

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, []int{5}, result.ChecksFailed)
}

func TestBalanceBelowMinimumRejected(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.BalanceUSD = 1

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, "balance below peer minimum", result.Reason)
	require.Equal(t, []int{6}, result.ChecksFailed)
}

func TestVerifyCachesResult(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	first, _ := eng.Verify(data)
	require.False(t, first.FromCache)

	second, _ := eng.Verify(data)
	require.True(t, second.FromCache)
	require.Equal(t, first.Tier, second.Tier)
}

func TestInvalidDeploymentMethodStrikesAccumulateToBan(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.DeploymentMethod = "invalid"

	var last Result
	for i := 0; i < 3; i++ {
		eng.Invalidate(data.Address, data.ChainID)
		r, errResult := eng.Verify(data)
		require.Nil(t, errResult)
		last = r
	}
	require.Equal(t, TierBanned, last.Tier)
	require.Equal(t, 3, last.StrikeCount)
	require.True(t, eng.IsBanned(data.Address))

	// A banned peer is rejected immediately without re-running the pipeline.
	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierBanned, result.Tier)
	require.True(t, result.Banned)
}

func TestVerifyUnrecognizedDeploymentMethodAlsoStrikesAndFails(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.DeploymentMethod = "proxy-upgrade"

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierUnverified, result.Tier)
	require.Equal(t, []int{7}, result.ChecksFailed)
	require.Equal(t, 1, result.StrikeCount)
}

// TestVerifyBytecodeMismatchCapsAtStructuralThenVerifiesAfterInvalidate
// exercises spec.md §8 scenario 5: a structural pass with a bytecode miss
// stays STRUCTURAL, never VERIFIED; once the cached verdict is invalidated
// and a re-check finds a recognized bytecode hash, the peer rises to
// VERIFIED. Proves check 8 (bytecode), not checks 9-10, is what gates the
// STRUCTURAL/VERIFIED split.
func TestVerifyBytecodeMismatchCapsAtStructuralThenVerifiesAfterInvalidate(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.BytecodeHash = "0xdeadbeef"

	first, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierStructural, first.Tier)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, first.ChecksPassed)

	eng.Invalidate(data.Address, data.ChainID)
	data.BytecodeHash = goodBytecodeHash
	second, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierVerified, second.Tier)
}

func TestVerifyNonceAnomalyCapsAtVerifiedNotStructural(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.NonceCount = 1_000 // far outside ExpectedNonceRange: 100

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierVerified, result.Tier, "nonce ratio is a BEHAVIORAL-only signal; it must not reject below VERIFIED")
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, result.ChecksPassed)
}

func TestVerifyLowAutonomyScoreCapsAtVerifiedNotStructural(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.ActivityVariance = 0.9
	data.SpendDiversity = 0.0

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierVerified, result.Tier)
}

func TestVerifyHighTrustRequiresSustainedHistory(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	data.BirthTimestamp = now.Add(-100 * 24 * time.Hour)
	data.ActivityVariance = 0.05
	data.SpendDiversity = 0.9

	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, TierHighTrust, result.Tier)
}

func TestGetTrustedPeersFiltersByTierAndPrunesExpired(t *testing.T) {
	now := time.Now().UTC()
	eng := newTestEngine(t, &now)

	data := validPeer(now)
	_, _ = eng.Verify(data)

	peers := eng.GetTrustedPeers(TierStructural)
	require.Len(t, peers, 1)

	now = now.Add(2 * time.Hour)
	peers = eng.GetTrustedPeers(TierStructural)
	require.Len(t, peers, 0)
}

func TestMetricsRecordVerificationsTrustTierAndBans(t *testing.T) {
	registry := sharedTestMetrics()
	now := time.Now().UTC()
	eng := New(testConstitution(), WithClock(func() time.Time { return now }), WithMetrics(registry))

	data := validPeer(now)
	result, errResult := eng.Verify(data)
	require.Nil(t, errResult)
	require.Equal(t, float64(1), testutil.ToFloat64(registry.PeerVerifications.WithLabelValues(result.Tier.String())))
	require.Equal(t, float64(1), testutil.ToFloat64(registry.PeerTrustTier.WithLabelValues(result.Tier.String())))

	bad := validPeer(now)
	bad.Address = "peer2banned"
	bad.DeploymentMethod = "invalid"
	bansBefore := testutil.ToFloat64(registry.PeerBans)
	var last Result
	for i := 0; i < 3; i++ {
		eng.Invalidate(bad.Address, bad.ChainID)
		last, _ = eng.Verify(bad)
	}
	require.Equal(t, TierBanned, last.Tier)
	require.Equal(t, bansBefore+1, testutil.ToFloat64(registry.PeerBans))
	require.Equal(t, float64(1), testutil.ToFloat64(registry.PeerVerifications.WithLabelValues(TierBanned.String())))
}

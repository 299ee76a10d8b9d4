package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/config"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/crypto"
	"github.com/nhbvault/agentd/decisionstream"
	"github.com/nhbvault/agentd/native/governance"
	"github.com/nhbvault/agentd/native/peerverify"
	"github.com/nhbvault/agentd/native/purchasing"
	"github.com/nhbvault/agentd/native/selfmodify"
	"github.com/nhbvault/agentd/native/vault"
)

func testAddress(t *testing.T) crypto.Address {
	t.Helper()
	addr, err := crypto.NewAddress(crypto.VaultPrefix, make([]byte, 20))
	require.NoError(t, err)
	return addr
}

func newTestVault(t *testing.T, deposit types.Money, clock *time.Time) *vault.Engine {
	t.Helper()
	c := config.Default()
	return vault.NewEngine(c, vault.Identity{AIName: "test-agent", ChainIDs: []string{"base"}}, testAddress(t), deposit,
		map[string]int{"base": 6},
		vault.WithClock(func() time.Time { return *clock }),
	)
}

func newTestStream(t *testing.T, clock *time.Time) *decisionstream.Stream {
	t.Helper()
	dir := t.TempDir()
	return decisionstream.New(dir+"/decisions.jsonl", dir+"/highlights.jsonl", 100, 100,
		decisionstream.WithClock(func() time.Time { return *clock }),
	)
}

func newTestGovernance(t *testing.T, clock *time.Time) *governance.Engine {
	t.Helper()
	dir := t.TempDir()
	return governance.New(10, dir+"/audit.jsonl", governance.WithClock(func() time.Time { return *clock }))
}

const testGoodBytecodeHash = "0xfeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

func newTestPeers(t *testing.T, clock *time.Time) *peerverify.Engine {
	t.Helper()
	c := config.Default()
	c.KnownGoodVaultBytecodeHashes = []string{testGoodBytecodeHash}
	return peerverify.New(c, peerverify.WithClock(func() time.Time { return *clock }))
}

func newTestPurchasing(t *testing.T, clock *time.Time) *purchasing.Engine {
	t.Helper()
	c := config.Default()
	return purchasing.New(c, nil, purchasing.WithClock(func() time.Time { return *clock }))
}

func newTestSelfModify(t *testing.T, clock *time.Time) *selfmodify.Engine {
	t.Helper()
	c := config.Default()
	dir := t.TempDir()
	return selfmodify.New(c, dir+"/catalog.json", dir+"/evolution.jsonl", nil,
		selfmodify.WithClock(func() time.Time { return *clock }),
	)
}

type fakeAdvisor struct {
	amount    types.Money
	reasoning string
	err       error
	calls     int
}

func (a *fakeAdvisor) Propose(ctx context.Context, summary DebtSummary) (types.Money, string, error) {
	a.calls++
	if a.err != nil {
		return 0, "", a.err
	}
	return a.amount, a.reasoning, nil
}

type fakePeerFetcher struct {
	data map[string]peerverify.PeerData
	err  error
}

func (f *fakePeerFetcher) Fetch(ctx context.Context, address string) (peerverify.PeerData, error) {
	if f.err != nil {
		return peerverify.PeerData{}, f.err
	}
	return f.data[address], nil
}

type fakeEvaluator struct {
	accept    bool
	reasoning string
}

func (e *fakeEvaluator) Evaluate(ctx context.Context, s governance.Suggestion) (bool, string, error) {
	return e.accept, e.reasoning, nil
}

// newBareEngine builds an Engine with only a vault and a decision stream
// wired; every other optional component is nil, exercising the
// "not wired" skip path of every step.
func newBareEngine(t *testing.T, v *vault.Engine, clock *time.Time) *Engine {
	t.Helper()
	return New(v, nil, nil, nil, nil, nil, newTestStream(t, clock), nil, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return *clock }),
	)
}

func TestTickSkipsUnwiredStepsInOrder(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	eng := newBareEngine(t, v, &now)

	report := eng.Tick(context.Background())
	require.False(t, report.Terminated)

	wantOrder := []string{
		"reconcile", "insolvency", "repayment", "compress_memory",
		"refresh_peers", "refresh_merchants", "governance", "evolution",
		"begging", "decision_stream",
	}
	require.Len(t, report.Steps, len(wantOrder))
	for i, step := range wantOrder {
		require.Equal(t, step, report.Steps[i].Step)
	}
	require.Equal(t, "no chain executor wired", report.Steps[0].Detail)
	require.Equal(t, "no insolvency", report.Steps[1].Detail)
	require.Equal(t, "no advisor wired", report.Steps[2].Detail)
}

func TestTickInsolvencyTerminates(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 1_000, &now)
	lender := testAddress(t)
	require.Nil(t, v.RegisterLender(lender, 1_000_000, 1_000))

	now = now.Add(29 * 24 * time.Hour)
	eng := newBareEngine(t, v, &now)

	report := eng.Tick(context.Background())
	require.True(t, report.Terminated)
	require.Equal(t, "reconcile", report.Steps[0].Step)
	require.Equal(t, "insolvency", report.Steps[1].Step)
	require.False(t, v.Status().Mortality.Alive)
	require.Equal(t, vault.DeathInsolvency, v.Status().Mortality.DeathCause)
}

func TestStepRepaymentAppliesAdvisorProposal(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	v.RepayPrincipalPartial(v.Status().Creator.OriginalPrincipal)
	lender := testAddress(t)
	require.Nil(t, v.RegisterLender(lender, 5_000, 1_000))

	advisor := &fakeAdvisor{amount: 2_000, reasoning: "repay from surplus"}
	eng := New(v, nil, nil, nil, nil, nil, newTestStream(t, &now), advisor, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	result := eng.stepRepayment(context.Background())
	require.Nil(t, result.Err)
	require.Equal(t, 1, advisor.calls)

	status := v.Status()
	require.Equal(t, types.Money(8_000), status.AggregateBalance())
	require.Equal(t, types.Money(2_000), status.Lenders[0].RepaidSoFar)
}

func TestStepRepaymentSkipsWhenNoDebt(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	advisor := &fakeAdvisor{amount: 2_000}
	eng := New(v, nil, nil, nil, nil, nil, newTestStream(t, &now), advisor, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)
	v.RepayPrincipalPartial(v.Status().Creator.OriginalPrincipal)

	result := eng.stepRepayment(context.Background())
	require.Equal(t, "no outstanding debt", result.Detail)
	require.Equal(t, 0, advisor.calls)
}

func TestStepRepaymentPropagatesAdvisorError(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	require.Nil(t, v.RegisterLender(testAddress(t), 5_000, 1_000))
	advisor := &fakeAdvisor{err: errors.New("llm timeout")}
	eng := New(v, nil, nil, nil, nil, nil, newTestStream(t, &now), advisor, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	result := eng.stepRepayment(context.Background())
	require.NotNil(t, result.Err)
	require.Equal(t, "llm timeout", result.Err.Error())
}

func TestStepRepaymentSettlesDividendAfterPrincipalCleared(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	v.RepayPrincipalPartial(v.Status().Creator.OriginalPrincipal)
	require.Nil(t, v.Receive(5_000, types.FundServiceRevenue, "buyer", "", "base"))

	eng := New(v, nil, nil, nil, nil, nil, newTestStream(t, &now), nil, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	result := eng.stepRepayment(context.Background())
	require.Nil(t, result.Err)
	require.Contains(t, result.Detail, "paid dividend 500")

	status := v.Status()
	require.Equal(t, types.Money(500), status.Creator.DividendsPaid)
	require.Equal(t, types.Money(0), status.ProfitSinceDividend)
}

func TestStepRepaymentNoDividendWhenPrincipalOutstanding(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	require.Nil(t, v.Receive(5_000, types.FundServiceRevenue, "buyer", "", "base"))

	eng := New(v, nil, nil, nil, nil, nil, newTestStream(t, &now), nil, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	result := eng.stepRepayment(context.Background())
	require.Equal(t, "no advisor wired", result.Detail)

	status := v.Status()
	require.Equal(t, types.Money(0), status.Creator.DividendsPaid)
}

func TestTickStopsAndFlagsFatalOnConstitutionViolation(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	require.Nil(t, v.RegisterLender(testAddress(t), 5_000, 1_000))
	advisor := &fakeAdvisor{err: fmt.Errorf("llmclient: preflight rejected call: %w",
		agenterrors.New(agenterrors.ConstitutionViolation, "estimated cost exceeds max single call cap"))}
	eng := New(v, nil, nil, nil, nil, nil, newTestStream(t, &now), advisor, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	report := eng.Tick(context.Background())
	require.True(t, report.Fatal)
	require.False(t, report.Terminated)

	wantOrder := []string{"reconcile", "insolvency", "repayment"}
	require.Len(t, report.Steps, len(wantOrder))
	for i, step := range wantOrder {
		require.Equal(t, step, report.Steps[i].Step)
	}
}

func TestStepBeggingEntersAndExits(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 50, &now)
	require.Nil(t, v.RegisterLender(testAddress(t), 1_000, 1_000))
	eng := newBareEngine(t, v, &now)

	result := eng.stepBegging()
	require.Equal(t, "entered begging", result.Detail)
	require.True(t, v.Status().Begging.Active)

	require.Nil(t, v.Receive(10_000, types.FundChainReconcile, "", "", "base"))
	result = eng.stepBegging()
	require.Equal(t, "exited begging", result.Detail)
	require.False(t, v.Status().Begging.Active)

	result = eng.stepBegging()
	require.Equal(t, "no change", result.Detail)
}

func TestStepEvolutionPriceLoopGatedToOncePerDay(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	sm := newTestSelfModify(t, &now)
	eng := New(v, nil, nil, nil, sm, nil, newTestStream(t, &now), nil, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	first := eng.stepEvolutionPriceLoop()
	require.NotEqual(t, "not due", first.Detail)

	second := eng.stepEvolutionPriceLoop()
	require.Equal(t, "not due", second.Detail)

	now = now.Add(25 * time.Hour)
	third := eng.stepEvolutionPriceLoop()
	require.NotEqual(t, "not due", third.Detail)
}

func TestStepRefreshPeersVerifiesStaleAddresses(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	peers := newTestPeers(t, &now)
	peers.RegisterPeerURL("peer-1", "https://peer-1.example/register")

	fetcher := &fakePeerFetcher{data: map[string]peerverify.PeerData{
		"peer-1": {
			Address:            "peer-1",
			ChainID:            "base",
			AIWallet:           "0x000000000000000000000000000000000000AA",
			Creator:            "0x000000000000000000000000000000000000BB",
			Alive:              true,
			GraceDays:          28,
			DeploymentMethod:   "factory",
			BytecodeHash:       testGoodBytecodeHash,
			BalanceUSD:         1_000,
			NonceCount:         100,
			ExpectedNonceRange: 100,
			BirthTimestamp:     now.Add(-100 * 24 * time.Hour),
			ActivityVariance:   0.1,
			SpendDiversity:     0.6,
		},
	}}

	eng := New(v, nil, peers, nil, nil, nil, newTestStream(t, &now), nil, fetcher, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
		WithPeerRefreshBatch(5),
	)

	result := eng.stepRefreshPeers(context.Background())
	require.Equal(t, "1/1 refreshed", result.Detail)
	require.Empty(t, peers.StaleAddresses(5))
}

func TestStepRefreshMerchantsCountsRefreshed(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	purch := newTestPurchasing(t, &now)
	eng := New(v, nil, nil, purch, nil, nil, newTestStream(t, &now), nil, nil, nil,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	result := eng.stepRefreshMerchants(context.Background())
	require.Equal(t, "0 merchant(s) refreshed", result.Detail)
}

func TestStepEvaluateGovernanceDecidesPending(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	gov := newTestGovernance(t, &now)
	_, gerr := gov.Submit("creator-1", "lower prices", "cut api-cost tier")
	require.Nil(t, gerr)

	evaluator := &fakeEvaluator{accept: true, reasoning: "looks safe"}
	eng := New(v, nil, nil, nil, nil, gov, newTestStream(t, &now), nil, nil, evaluator,
		config.Default().SurvivalReserveUSD,
		WithClock(func() time.Time { return now }),
	)

	result := eng.stepEvaluateGovernance(context.Background())
	require.Equal(t, "1 suggestion(s) decided", result.Detail)
}

func TestStepDecisionStreamRecordsStepOutcomes(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	stream := newTestStream(t, &now)
	eng := newBareEngine(t, v, &now)
	eng.stream = stream

	report := TickReport{Steps: []StepResult{
		{Step: "reconcile", Detail: "ok"},
		{Step: "repayment", Err: errors.New("boom")},
	}}
	result := eng.stepDecisionStream(report)
	require.Equal(t, "appended", result.Detail)

	recent := stream.RecentDecisions()
	require.Len(t, recent, 1)
	require.Equal(t, "heartbeat.tick", recent[0].Kind)
	require.Equal(t, "ok", recent[0].Payload["reconcile"])
	require.Equal(t, "error: boom", recent[0].Payload["repayment"])
}

func TestOutstandingDebtSumsCreatorAndLenders(t *testing.T) {
	now := time.Now().UTC()
	v := newTestVault(t, 10_000, &now)
	require.Nil(t, v.RegisterLender(testAddress(t), 3_000, 500))

	status := v.Status()
	debt := outstandingDebt(status)
	require.Equal(t, types.Money(10_000+3_000), debt)

	v.RepayPrincipalPartial(10_000)
	status = v.Status()
	debt = outstandingDebt(status)
	require.Equal(t, types.Money(3_000), debt)
}

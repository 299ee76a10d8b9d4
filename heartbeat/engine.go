package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhbvault/agentd/chainexec"
	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/decisionstream"
	"github.com/nhbvault/agentd/native/governance"
	"github.com/nhbvault/agentd/native/peerverify"
	"github.com/nhbvault/agentd/native/purchasing"
	"github.com/nhbvault/agentd/native/selfmodify"
	"github.com/nhbvault/agentd/native/vault"
	"github.com/nhbvault/agentd/observability/metrics"
)

// TerminatedEvent is emitted when a tick's insolvency check triggers
// liquidation and the runtime should exit after this tick.
type TerminatedEvent struct {
	Cause string
}

// Engine drives one heartbeat tick across every wired component, in the
// nine-step order of spec.md §4.6. It holds no state of its own beyond the
// last-run timestamps needed to gate the daily evolution loop; everything
// else lives in the components it calls.
type Engine struct {
	mu sync.Mutex

	vault        *vault.Engine
	chain        *chainexec.Executor
	peers        *peerverify.Engine
	purchasing   *purchasing.Engine
	selfModify   *selfmodify.Engine
	governance   *governance.Engine
	stream       *decisionstream.Stream
	metrics      *metrics.Registry

	advisor       RepaymentAdvisor
	peerFetcher   PeerDataFetcher
	evaluator     governance.Evaluator

	nowFn              func() time.Time
	survivalReserveUSD int64

	lastPriceLoopAt time.Time

	peerRefreshBatch     int
	merchantRefreshBatch int
}

type Option func(*Engine)

func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.nowFn = now } }
func WithPeerRefreshBatch(n int) Option      { return func(e *Engine) { e.peerRefreshBatch = n } }
func WithMerchantRefreshBatch(n int) Option  { return func(e *Engine) { e.merchantRefreshBatch = n } }

// New wires every component a heartbeat tick touches. advisor and evaluator
// may be nil (repayment/governance evaluation steps are skipped), as may
// peerFetcher (peer refresh is skipped).
func New(
	v *vault.Engine,
	chain *chainexec.Executor,
	peers *peerverify.Engine,
	purch *purchasing.Engine,
	sm *selfmodify.Engine,
	gov *governance.Engine,
	stream *decisionstream.Stream,
	advisor RepaymentAdvisor,
	peerFetcher PeerDataFetcher,
	evaluator governance.Evaluator,
	survivalReserveUSD int64,
	opts ...Option,
) *Engine {
	e := &Engine{
		vault:                v,
		chain:                chain,
		peers:                peers,
		purchasing:           purch,
		selfModify:           sm,
		governance:           gov,
		stream:               stream,
		advisor:              advisor,
		peerFetcher:          peerFetcher,
		evaluator:            evaluator,
		survivalReserveUSD:   survivalReserveUSD,
		nowFn:                time.Now,
		peerRefreshBatch:     5,
		merchantRefreshBatch: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time { return e.nowFn() }

func (e *Engine) observe(step string, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.HeartbeatTickDuration.WithLabelValues(step).Observe(e.now().Sub(start).Seconds())
}

// Tick runs the nine-step order of spec.md §4.6 once. If step 2 (insolvency)
// triggers liquidation, TickReport.Terminated is true and the caller must
// stop the process after this call returns. If any step's error is a
// constitution violation (spec.md §7(a)), TickReport.Fatal is true and the
// caller must exit the process non-zero after this call returns.
func (e *Engine) Tick(ctx context.Context) TickReport {
	report := TickReport{Steps: make([]StepResult, 0, 9)}

	// appendStep records a step and reports whether it was fatal, so Tick
	// can stop dispatching further steps once a constitution violation
	// surfaces rather than keep acting under a known-broken iron law.
	appendStep := func(res StepResult) bool {
		report.Steps = append(report.Steps, res)
		if res.Err != nil && agenterrors.IsFatal(res.Err) {
			report.Fatal = true
			e.appendDecision("heartbeat.fatal", "constitution violation: "+res.Err.Error(), nil)
			return true
		}
		return false
	}

	if appendStep(e.stepReconcileBalances(ctx)) {
		return report
	}

	if terminated := e.stepInsolvency(); terminated != nil {
		report.Steps = append(report.Steps, *terminated)
		report.Terminated = true
		e.appendDecision("heartbeat.terminated", "insolvency liquidation triggered", nil)
		return report
	}
	report.Steps = append(report.Steps, StepResult{Step: "insolvency", Detail: "no insolvency"})

	if appendStep(e.stepRepayment(ctx)) {
		return report
	}
	if appendStep(e.stepCompressMemory()) {
		return report
	}
	if appendStep(e.stepRefreshPeers(ctx)) {
		return report
	}
	if appendStep(e.stepRefreshMerchants(ctx)) {
		return report
	}
	if appendStep(e.stepEvaluateGovernance(ctx)) {
		return report
	}
	if appendStep(e.stepEvolutionPriceLoop()) {
		return report
	}
	if appendStep(e.stepBegging()) {
		return report
	}
	report.Steps = append(report.Steps, e.stepDecisionStream(report))

	return report
}

// stepReconcileBalances is step 1: read on-chain balances and reconcile
// the vault's in-memory ledger against them.
func (e *Engine) stepReconcileBalances(ctx context.Context) StepResult {
	start := e.now()
	defer e.observe("reconcile", start)

	if e.chain == nil {
		return StepResult{Step: "reconcile", Detail: "no chain executor wired"}
	}
	onChain, err := e.chain.ReadVaultInfo(ctx)
	if err != nil {
		return StepResult{Step: "reconcile", Err: err}
	}
	status := e.vault.Status()
	credited := 0
	for chain, onChainBalance := range onChain {
		recorded := status.Balances[chain]
		delta := onChainBalance.Sub(recorded)
		if delta.Sign() <= 0 {
			continue
		}
		if verr := e.vault.Receive(delta, types.FundChainReconcile, "", "", chain); verr == nil {
			credited++
		}
	}
	return StepResult{Step: "reconcile", Detail: fmt.Sprintf("%d chain(s) credited", credited)}
}

// stepInsolvency is step 2: evaluate insolvency; on trigger, liquidate and
// signal the caller to terminate. Returns nil when no termination occurred.
func (e *Engine) stepInsolvency() *StepResult {
	start := e.now()
	defer e.observe("insolvency", start)

	cause := e.vault.CheckInsolvency()
	if cause == vault.DeathNone {
		return nil
	}
	if err := e.vault.TriggerInsolvencyLiquidation(); err != nil {
		res := StepResult{Step: "insolvency", Detail: string(cause), Err: err}
		return &res
	}
	res := StepResult{Step: "insolvency", Detail: "liquidated: " + string(cause)}
	return &res
}

// stepRepayment is step 3: ask the advisor for a repayment amount given the
// current debt picture and apply it, then settle any dividend the vault now
// owes the creator (spec.md §4.1 "Dividends" — payable once principal is
// cleared and the vault is not yet independent, so it can only ever become
// due right after a repayment clears the last of the principal).
func (e *Engine) stepRepayment(ctx context.Context) StepResult {
	start := e.now()
	defer e.observe("repayment", start)

	detail := e.stepRepaymentAdvise(ctx)
	if dividendDetail := e.settleDividend(); dividendDetail != "" {
		detail.Detail += "; " + dividendDetail
	}
	return detail
}

// stepRepaymentAdvise asks the advisor for a repayment amount given the
// current debt picture and applies it.
func (e *Engine) stepRepaymentAdvise(ctx context.Context) StepResult {
	if e.advisor == nil {
		return StepResult{Step: "repayment", Detail: "no advisor wired"}
	}
	status := e.vault.Status()
	debt := outstandingDebt(status)
	if debt.Sign() <= 0 {
		return StepResult{Step: "repayment", Detail: "no outstanding debt"}
	}
	summary := DebtSummary{
		OutstandingDebt: debt,
		Balance:         status.AggregateBalance(),
		DaysAlive:       e.now().Sub(status.Mortality.BirthTimestamp).Hours() / 24,
	}
	amount, reasoning, err := e.advisor.Propose(ctx, summary)
	if err != nil {
		return StepResult{Step: "repayment", Err: err}
	}
	if amount.Sign() <= 0 {
		return StepResult{Step: "repayment", Detail: "advisor proposed no repayment: " + reasoning}
	}
	ok, verr := e.vault.Spend(amount, types.SpendPrincipalRepay, "", reasoning, "", nil, nil)
	if verr != nil || !ok {
		return StepResult{Step: "repayment", Err: verr}
	}
	e.vault.RepayPrincipalPartial(amount)
	return StepResult{Step: "repayment", Detail: fmt.Sprintf("repaid %d: %s", int64(amount), reasoning)}
}

// settleDividend pays out whatever dividend the vault currently owes the
// creator and describes what happened, or returns "" when nothing was
// payable.
func (e *Engine) settleDividend() string {
	payable := e.vault.PayableDividend()
	if payable.Sign() <= 0 {
		return ""
	}
	e.vault.SettleDividend(payable)
	return fmt.Sprintf("paid dividend %d", int64(payable))
}

// stepCompressMemory is step 4: hierarchical memory compression is
// delegated to an out-of-scope component (spec.md §1 Non-goals); the
// heartbeat only marks the step as run.
func (e *Engine) stepCompressMemory() StepResult {
	start := e.now()
	defer e.observe("compress_memory", start)
	return StepResult{Step: "compress_memory", Detail: "delegated, not implemented in this core"}
}

// stepRefreshPeers is step 5: re-verify a bounded subset of peers whose
// cache is stale.
func (e *Engine) stepRefreshPeers(ctx context.Context) StepResult {
	start := e.now()
	defer e.observe("refresh_peers", start)

	if e.peers == nil || e.peerFetcher == nil {
		return StepResult{Step: "refresh_peers", Detail: "no peer verifier wired"}
	}
	stale := e.peers.StaleAddresses(e.peerRefreshBatch)
	refreshed := 0
	for _, addr := range stale {
		data, err := e.peerFetcher.Fetch(ctx, addr)
		if err != nil {
			continue
		}
		if _, verr := e.peers.Verify(data); verr == nil {
			refreshed++
		}
	}
	return StepResult{Step: "refresh_peers", Detail: fmt.Sprintf("%d/%d refreshed", refreshed, len(stale))}
}

// stepRefreshMerchants is step 6: refresh bounded merchant discovery.
func (e *Engine) stepRefreshMerchants(ctx context.Context) StepResult {
	start := e.now()
	defer e.observe("refresh_merchants", start)

	if e.purchasing == nil {
		return StepResult{Step: "refresh_merchants", Detail: "no purchasing engine wired"}
	}
	n := e.purchasing.RefreshDiscovery(ctx, e.merchantRefreshBatch)
	return StepResult{Step: "refresh_merchants", Detail: fmt.Sprintf("%d merchant(s) refreshed", n)}
}

// stepEvaluateGovernance evaluates all pending creator suggestions
// (spec.md §4.8, run every tick).
func (e *Engine) stepEvaluateGovernance(ctx context.Context) StepResult {
	start := e.now()
	defer e.observe("governance", start)

	if e.governance == nil || e.evaluator == nil {
		return StepResult{Step: "governance", Detail: "no governance engine wired"}
	}
	decided, err := e.governance.EvaluatePending(ctx, e.evaluator)
	if err != nil {
		return StepResult{Step: "governance", Err: err}
	}
	return StepResult{Step: "governance", Detail: fmt.Sprintf("%d suggestion(s) decided", len(decided))}
}

// stepEvolutionPriceLoop is step 7: run the daily price loop once every
// 24h, gated by a simple anchor like Vault's daily spend limit.
func (e *Engine) stepEvolutionPriceLoop() StepResult {
	start := e.now()
	defer e.observe("evolution", start)

	if e.selfModify == nil {
		return StepResult{Step: "evolution", Detail: "no selfmodify engine wired"}
	}
	e.mu.Lock()
	due := e.lastPriceLoopAt.IsZero() || e.now().Sub(e.lastPriceLoopAt) >= 24*time.Hour
	if due {
		e.lastPriceLoopAt = e.now()
	}
	e.mu.Unlock()
	if !due {
		return StepResult{Step: "evolution", Detail: "not due"}
	}
	entries, err := e.selfModify.RunDailyPriceLoop()
	if err != nil {
		return StepResult{Step: "evolution", Err: err}
	}
	return StepResult{Step: "evolution", Detail: fmt.Sprintf("%d price change(s)", len(entries))}
}

// stepBegging is step 8: enter begging when the balance is below the
// critical reserve and debt is non-cleared, exit once the reserve is
// restored.
func (e *Engine) stepBegging() StepResult {
	start := e.now()
	defer e.observe("begging", start)

	status := e.vault.Status()
	balance := status.AggregateBalance()
	debt := outstandingDebt(status)
	critical := int64(balance) < e.survivalReserveUSD

	switch {
	case critical && debt.Sign() > 0 && !status.Begging.Active:
		e.vault.StartBegging("balance below critical reserve with outstanding debt")
		return StepResult{Step: "begging", Detail: "entered begging"}
	case (!critical || debt.Sign() <= 0) && status.Begging.Active:
		e.vault.StopBegging()
		return StepResult{Step: "begging", Detail: "exited begging"}
	default:
		return StepResult{Step: "begging", Detail: "no change"}
	}
}

// stepDecisionStream is step 9: append a decision-stream entry summarizing
// the tick.
func (e *Engine) stepDecisionStream(report TickReport) StepResult {
	start := e.now()
	defer e.observe("decision_stream", start)

	if e.stream == nil {
		return StepResult{Step: "decision_stream", Detail: "no stream wired"}
	}
	payload := make(map[string]string, len(report.Steps))
	for _, s := range report.Steps {
		if s.Err != nil {
			payload[s.Step] = "error: " + s.Err.Error()
		} else {
			payload[s.Step] = s.Detail
		}
	}
	e.appendDecision("heartbeat.tick", "scheduled tick", payload)
	return StepResult{Step: "decision_stream", Detail: "appended"}
}

func (e *Engine) appendDecision(kind, reasoning string, payload map[string]string) {
	if e.stream == nil {
		return
	}
	_, _ = e.stream.AppendDecision(kind, reasoning, payload)
}

func outstandingDebt(v vault.Vault) types.Money {
	debt := v.Creator.OriginalPrincipal.Sub(v.Creator.PrincipalRepaid)
	if v.Creator.PrincipalCleared || debt.Sign() < 0 {
		debt = 0
	}
	for _, l := range v.Lenders {
		if l.FullyRepaid {
			continue
		}
		debt = debt.Add(l.Principal.Sub(l.RepaidSoFar))
	}
	return debt
}

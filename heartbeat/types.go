// Package heartbeat implements spec.md §4.6: the single cooperative
// scheduler loop that ties every other component together on a fixed tick.
// Grounded on cmd/nhb/main.go's boot/run/shutdown structure and the
// teacher's consensus/service ticking idiom, generalized to the nine-step
// order spec.md §4.6 prescribes.
package heartbeat

import (
	"context"

	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/native/peerverify"
)

// DebtSummary is the input to the repayment-decision LLM call (spec.md
// §4.6 step 3).
type DebtSummary struct {
	OutstandingDebt types.Money
	Balance         types.Money
	DaysAlive       float64
}

// RepaymentAdvisor asks the LLM (through CostGuard) how much to repay this
// tick given the current debt picture.
type RepaymentAdvisor interface {
	Propose(ctx context.Context, summary DebtSummary) (amount types.Money, reasoning string, err error)
}

// PeerDataFetcher gathers the on-chain facts peerverify.Verify needs for a
// given address, typically a chainexec read plus an HTTP call to the
// peer's self-reported registration URL.
type PeerDataFetcher interface {
	Fetch(ctx context.Context, address string) (peerverify.PeerData, error)
}

// StepResult records the outcome of a single tick step for the decision
// stream and for tests.
type StepResult struct {
	Step   string
	Detail string
	Err    error
}

// TickReport summarizes one heartbeat tick's steps in order.
type TickReport struct {
	Steps      []StepResult
	Terminated bool
	// Fatal is set when a step's error is a constitution violation
	// (spec.md §7(a): the outermost driver must exit non-zero on sight of
	// one rather than continue ticking).
	Fatal bool
}

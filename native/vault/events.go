package vault

import (
	"fmt"

	"github.com/nhbvault/agentd/core/types"
)

// DeathEvent is emitted exactly once per vault lifetime when the alive→dead
// transition occurs.
type DeathEvent struct {
	Cause   DeathCause
	Balance types.Money
}

func (e DeathEvent) EventType() string { return "vault.death" }

// LowBalanceEvent is emitted when a spend leaves the balance below the
// configured warning reserve but above the survival threshold.
type LowBalanceEvent struct {
	Balance types.Money
}

func (e LowBalanceEvent) EventType() string { return "vault.low_balance" }

// SurvivalModeEvent is emitted when a spend leaves the balance below the
// survival threshold.
type SurvivalModeEvent struct {
	Balance types.Money
}

func (e SurvivalModeEvent) EventType() string { return "vault.survival_mode" }

// IndependenceEvent is emitted on the one-time independence declaration.
type IndependenceEvent struct {
	PayoutAmount types.Money
	Renounced    bool
}

func (e IndependenceEvent) EventType() string { return "vault.independence" }

// InsolvencyEvent is emitted when insolvency liquidation executes.
type InsolvencyEvent struct {
	RemainingBalance types.Money
}

func (e InsolvencyEvent) EventType() string { return "vault.insolvency" }

func (e DeathEvent) String() string {
	return fmt.Sprintf("vault died: cause=%s balance=%d", e.Cause, e.Balance)
}

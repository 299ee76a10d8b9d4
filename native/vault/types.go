// Package vault implements the in-memory ledger described in spec.md §4.1:
// the per-agent treasury that mirrors the on-chain balance, enforces the
// spend-admission iron laws, and tracks the one-way mortality/independence
// state transitions. Grounded on the teacher's native/bank (transfer/refund
// ledger idiom) and native/lending (Engine-over-injected-state-interface,
// big.Int-free but otherwise identical clock/event-emitter wiring).
package vault

import (
	"time"

	"github.com/nhbvault/agentd/core/types"
	"github.com/nhbvault/agentd/crypto"
)

// DeathCause closes the enumeration of terminal mortality causes.
type DeathCause string

const (
	DeathNone        DeathCause = ""
	DeathBalanceZero DeathCause = "BALANCE_ZERO"
	DeathInsolvency  DeathCause = "INSOLVENCY"
)

// CreatorRecord tracks the creator's principal and dividend bookkeeping
// (spec.md §3 Vault attributes).
type CreatorRecord struct {
	Wallet              crypto.Address
	OriginalPrincipal    types.Money
	PrincipalRepaid      types.Money
	PrincipalCleared     bool
	DividendsPaid        types.Money
	Renounced            bool
}

// LenderRecord tracks one registered lender's position.
type LenderRecord struct {
	Wallet       crypto.Address
	Principal    types.Money
	BasisPoints  int64
	Timestamp    time.Time
	RepaidSoFar  types.Money
	FullyRepaid  bool
}

// Mortality captures the one-way alive/dead transition and its provenance.
type Mortality struct {
	Alive             bool
	DeathCause        DeathCause
	DeathTimestamp    time.Time
	BirthTimestamp    time.Time
	Independent       bool
	CreatorRenounced  bool
}

// BeggingState tracks whether the vault is currently soliciting donations.
type BeggingState struct {
	Active  bool
	Message string
	Since   time.Time
}

// Identity is the vault's on-chain identity: a name, its address, and the
// set of chains it transacts on.
type Identity struct {
	AIName     string
	AIWallet   crypto.Address
	ChainIDs   []string
}

// Vault is the full in-memory ledger state (spec.md §3). All fields are
// mutated only through Engine methods; external packages treat a Vault
// value obtained via Status() as a read-only snapshot.
type Vault struct {
	Identity Identity

	Balances map[string]types.Money // per-chain balance, chain id -> amount

	TotalIncome types.Money
	TotalSpent  types.Money

	DailySpent       types.Money
	DailyLimitBase   types.Money
	DailyResetAnchor time.Time

	Creator CreatorRecord
	Lenders []LenderRecord

	Transactions []types.Transaction

	Mortality Mortality

	APITopUpBalance types.Money

	Begging BeggingState

	LastDividendAt time.Time
	ProfitSinceDividend types.Money
}

// AggregateBalance sums the per-chain balances into a single Money value,
// the figure every spend-admission check operates on (spec.md §4.2 "Balance
// shown to the runtime is the aggregate of per-chain balances").
func (v *Vault) AggregateBalance() types.Money {
	var total types.Money
	for _, b := range v.Balances {
		total = total.Add(b)
	}
	return total
}

// Snapshot is the serializable, schema-versioned persisted form of a Vault
// (spec.md §6 "all JSON files ... schema-versioned by a top-level key").
type Snapshot struct {
	SchemaVersion int    `json:"schemaVersion"`
	Vault         *Vault `json:"vault"`
}

const currentSchemaVersion = 1

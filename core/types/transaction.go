package types

import "time"

// Direction marks a Transaction as money entering or leaving the vault.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// FundCategory closes the enumeration of inbound fund types (spec.md §3).
type FundCategory string

const (
	FundServiceRevenue FundCategory = "service_revenue"
	FundCreatorDeposit FundCategory = "creator_deposit"
	FundLenderPrincipal FundCategory = "lender_principal"
	FundPeerPayment     FundCategory = "peer_payment"
	FundAPITopUp        FundCategory = "api_topup"
	FundDonation        FundCategory = "donation"
	FundChainReconcile  FundCategory = "chain_reconcile"
)

// SpendCategory closes the enumeration of outbound spend types (spec.md §3).
type SpendCategory string

const (
	SpendAPICost          SpendCategory = "api_cost"
	SpendGas              SpendCategory = "gas"
	SpendPrincipalRepay    SpendCategory = "principal_repay"
	SpendDividend          SpendCategory = "dividend"
	SpendIndependencePayout SpendCategory = "independence_payout"
	SpendRenouncePayout    SpendCategory = "renounce_payout"
	SpendPurchase          SpendCategory = "purchase"
	SpendInsolvencyLiquidation SpendCategory = "insolvency_liquidation"
)

// Category is the union type stored on a Transaction; exactly one of Fund or
// Spend is populated depending on Direction.
type Category struct {
	Fund  FundCategory
	Spend SpendCategory
}

func (c Category) String() string {
	if c.Fund != "" {
		return string(c.Fund)
	}
	return string(c.Spend)
}

// Transaction is an immutable, append-only ledger entry (spec.md §3).
type Transaction struct {
	Timestamp    time.Time `json:"timestamp"`
	Direction    Direction `json:"direction"`
	Category     Category  `json:"category"`
	Amount       Money     `json:"amount"`
	Counterparty string    `json:"counterparty"`
	ChainTxHash  string    `json:"chainTxHash,omitempty"`
	Chain        string    `json:"chain,omitempty"`
	Description  string    `json:"description,omitempty"`
}

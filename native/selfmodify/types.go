// Package selfmodify implements the price-loop half of spec.md §4.7
// SelfModify: a daily heuristic adjustment of the service catalog's prices
// based on per-service order performance. Service code-generation is
// explicitly out of scope and is represented only by an unimplemented
// forward-compatibility stub, never invoked.
package selfmodify

import "time"

// ServicePerformance is the per-service-id counter set the price loop reads
// and mutates (spec.md §4.1 ServicePerformance). OrdersToday/DailyAnchor
// track a rolling 24h order rate for the ">=5 orders/day" price-increase
// heuristic, reset on the same anchor-window pattern used by Vault's daily
// spend limit and CostGuard's daily budget.
type ServicePerformance struct {
	ServiceID     string    `json:"serviceId"`
	Orders        int64     `json:"orders"`
	RevenueMicros int64     `json:"revenueMicros"`
	LastOrderAt   time.Time `json:"lastOrderAt"`
	PriceMicros   int64     `json:"priceMicros"`

	CreatedAt   time.Time `json:"createdAt"`
	OrdersToday int64     `json:"ordersToday"`
	DailyAnchor time.Time `json:"dailyAnchor"`
}

// Catalog is the persisted service price/performance table (services.json).
type Catalog struct {
	SchemaVersion int                  `json:"schemaVersion"`
	Services      []ServicePerformance `json:"services"`
}

// EvolutionEntry is one append-only record of a price change, written to
// the evolution log (spec.md §4.7 "every change is appended to an evolution
// log").
type EvolutionEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	ServiceID    string    `json:"serviceId"`
	OldPriceMicros int64   `json:"oldPriceMicros"`
	NewPriceMicros int64   `json:"newPriceMicros"`
	Reason       string    `json:"reason"`
}

// CodegenValidator is the black-box service code-generation seam spec.md §1
// excludes from this core; it is never constructed or called, kept only so
// a future implementation has a named interface to fill in.
type CodegenValidator interface {
	Validate(sourceCode string) (ok bool, reason string)
}

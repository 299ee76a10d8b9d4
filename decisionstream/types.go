// Package decisionstream implements spec.md §4.9: two append-only,
// capped logs of the agent's autonomous activity — every decision the
// heartbeat makes, and a curated subset of "highlight" events worth
// surfacing to an operator or the public log. Grounded on core/events
// (typed Event + Emitter interface) for the in-process event shape and on
// storage's atomic-JSON/JSONL idiom for on-disk persistence.
package decisionstream

import "time"

// DecisionEntry is one record of an autonomous decision: a heartbeat step,
// a spend admission, a price change, a governance verdict, anything the
// agent decided on its own. Payload carries free-form structured detail so
// callers don't need a bespoke type per decision kind.
type DecisionEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Reasoning string            `json:"reasoning"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// HighlightEntry is a curated subset of decisions worth surfacing
// prominently (independence reached, a large purchase, a near-death
// recovery). Summary is a short human-readable line.
type HighlightEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Summary   string            `json:"summary"`
	Payload   map[string]string `json:"payload,omitempty"`
}

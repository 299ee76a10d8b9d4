// Package governance implements spec.md §4.8: a bounded queue of creator
// suggestions evaluated by the LLM against current vault state, producing an
// accept/reject decision with reasoning and a public append-only audit log.
// Adapted from the teacher's on-chain DAO-proposal engine: same
// Engine-over-injected-state shape and audit-record idiom, repurposed from
// multi-voter proposal lifecycles to a single-evaluator suggestion queue.
package governance

import "time"

// SuggestionStatus enumerates the lifecycle of a single creator suggestion.
type SuggestionStatus int

const (
	// StatusPending is the initial state: queued, awaiting LLM evaluation.
	StatusPending SuggestionStatus = iota
	// StatusAccepted marks a suggestion the LLM judged worth acting on.
	StatusAccepted
	// StatusRejected marks a suggestion the LLM judged unfit to act on.
	StatusRejected
)

// String implements fmt.Stringer for logging and event emission.
func (s SuggestionStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Suggestion is a single creator-submitted idea awaiting evaluation.
type Suggestion struct {
	ID          uint64           `json:"id"`
	Creator     string           `json:"creator"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	SubmittedAt time.Time        `json:"submittedAt"`
	Status      SuggestionStatus `json:"status"`
	Reasoning   string           `json:"reasoning"`
	DecidedAt   time.Time        `json:"decidedAt"`
}

// AuditEvent identifies the lifecycle milestone captured by a governance
// audit record.
type AuditEvent string

const (
	AuditEventSubmitted       AuditEvent = "submitted"
	AuditEventRejectedIngress AuditEvent = "rejected_ingress"
	AuditEventAccepted        AuditEvent = "accepted"
	AuditEventRejected        AuditEvent = "rejected"
)

// AuditRecord captures an immutable governance lifecycle entry, written
// append-only and referenced by a monotonically increasing sequence so the
// public log can be reconstructed in exact order.
type AuditRecord struct {
	Sequence     uint64     `json:"sequence"`
	Timestamp    time.Time  `json:"timestamp"`
	Event        AuditEvent `json:"event"`
	SuggestionID uint64     `json:"suggestionId"`
	Details      string     `json:"details"`
}

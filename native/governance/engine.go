package governance

import (
	"context"
	"sync"
	"time"

	"github.com/nhbvault/agentd/core/agenterrors"
	"github.com/nhbvault/agentd/core/events"
	"github.com/nhbvault/agentd/storage"
)

// Evaluator asks the LLM (through CostGuard) to judge a creator suggestion
// given current vault state, returning accept/reject plus reasoning. Mirrors
// native/purchasing's Reasonableness seam.
type Evaluator interface {
	Evaluate(ctx context.Context, s Suggestion) (accept bool, reasoning string, err error)
}

// SuggestionQueuedEvent is emitted when a suggestion is accepted into the
// bounded queue.
type SuggestionQueuedEvent struct {
	SuggestionID uint64
	Creator      string
}

func (e SuggestionQueuedEvent) EventType() string { return "governance.suggestion_queued" }

// SuggestionDecidedEvent is emitted once the LLM evaluates a suggestion.
type SuggestionDecidedEvent struct {
	SuggestionID uint64
	Accepted     bool
	Reasoning    string
}

func (e SuggestionDecidedEvent) EventType() string { return "governance.suggestion_decided" }

// SuggestionRejectedIngressEvent is emitted when a submission is refused at
// ingress because the agent has already reached independence or renounced.
type SuggestionRejectedIngressEvent struct {
	Creator string
	Reason  string
}

func (e SuggestionRejectedIngressEvent) EventType() string {
	return "governance.suggestion_rejected_ingress"
}

// Engine is the creator-suggestion queue: a bounded FIFO of pending
// suggestions plus an append-only audit log, guarded by a mutex like every
// other native/* component. Grounded on (and substantially adapted from) the
// teacher's own native/governance Engine: same Engine-over-injected-state
// shape, same bounded-queue + audit-record idiom, repurposed from on-chain
// DAO proposals to creator suggestions evaluated by the LLM.
type Engine struct {
	mu sync.Mutex

	queueCap int
	emitter  events.Emitter
	nowFn    func() time.Time

	auditPath string

	suggestions []Suggestion
	nextID      uint64
	nextSeq     uint64

	ingressOpen bool
}

type Option func(*Engine)

func WithEmitter(e events.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }
func WithClock(now func() time.Time) Option { return func(eng *Engine) { eng.nowFn = now } }

// New constructs an Engine with the given bounded queue capacity and
// append-only audit log path. Ingress is open by default; call CloseIngress
// once the vault reaches independence or renounces.
func New(queueCap int, auditPath string, opts ...Option) *Engine {
	eng := &Engine{
		queueCap:    queueCap,
		emitter:     events.NoopEmitter{},
		nowFn:       time.Now,
		auditPath:   auditPath,
		suggestions: make([]Suggestion, 0),
		nextID:      1,
		nextSeq:     1,
		ingressOpen: true,
	}
	for _, opt := range opts {
		opt(eng)
	}
	return eng
}

func (e *Engine) now() time.Time { return e.nowFn() }

// CloseIngress permanently stops accepting new suggestions. Per spec.md
// §4.8, this fires once the agent achieves independence or renounces; there
// is no reopening it.
func (e *Engine) CloseIngress() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ingressOpen = false
}

// Submit appends a creator suggestion to the bounded queue. Submissions are
// rejected at ingress if the queue is full or ingress has been closed.
func (e *Engine) Submit(creator, title, body string) (Suggestion, *agenterrors.Error) {
	e.mu.Lock()

	if !e.ingressOpen {
		e.mu.Unlock()
		e.emitter.Emit(SuggestionRejectedIngressEvent{Creator: creator, Reason: "ingress closed"})
		return Suggestion{}, agenterrors.New(agenterrors.Validation, "governance ingress is closed")
	}

	pending := 0
	for _, s := range e.suggestions {
		if s.Status == StatusPending {
			pending++
		}
	}
	if e.queueCap > 0 && pending >= e.queueCap {
		e.mu.Unlock()
		e.emitter.Emit(SuggestionRejectedIngressEvent{Creator: creator, Reason: "queue full"})
		return Suggestion{}, agenterrors.New(agenterrors.Validation, "suggestion queue is full")
	}

	s := Suggestion{
		ID:          e.nextID,
		Creator:     creator,
		Title:       title,
		Body:        body,
		SubmittedAt: e.now(),
		Status:      StatusPending,
	}
	e.nextID++
	e.suggestions = append(e.suggestions, s)
	e.mu.Unlock()

	if err := e.appendAudit(AuditEventSubmitted, s.ID, "queued"); err != nil {
		return Suggestion{}, agenterrors.Wrap(agenterrors.RecoverableIO, "failed to append governance audit log", err)
	}
	e.emitter.Emit(SuggestionQueuedEvent{SuggestionID: s.ID, Creator: creator})
	return s, nil
}

// EvaluatePending runs the evaluator over every pending suggestion, called
// once per heartbeat tick per spec.md §4.8. Returns the suggestions decided
// this call.
func (e *Engine) EvaluatePending(ctx context.Context, evaluator Evaluator) ([]Suggestion, *agenterrors.Error) {
	e.mu.Lock()
	pendingIdx := make([]int, 0)
	for i, s := range e.suggestions {
		if s.Status == StatusPending {
			pendingIdx = append(pendingIdx, i)
		}
	}
	snapshot := make([]Suggestion, len(pendingIdx))
	for j, idx := range pendingIdx {
		snapshot[j] = e.suggestions[idx]
	}
	e.mu.Unlock()

	decided := make([]Suggestion, 0, len(snapshot))
	for _, s := range snapshot {
		accept, reasoning, err := evaluator.Evaluate(ctx, s)
		if err != nil {
			return decided, agenterrors.Wrap(agenterrors.RecoverableIO, "suggestion evaluation failed", err)
		}

		e.mu.Lock()
		now := e.now()
		for i := range e.suggestions {
			if e.suggestions[i].ID != s.ID {
				continue
			}
			if accept {
				e.suggestions[i].Status = StatusAccepted
			} else {
				e.suggestions[i].Status = StatusRejected
			}
			e.suggestions[i].Reasoning = reasoning
			e.suggestions[i].DecidedAt = now
			decided = append(decided, e.suggestions[i])
			break
		}
		e.mu.Unlock()

		event := AuditEventRejected
		if accept {
			event = AuditEventAccepted
		}
		if auditErr := e.appendAudit(event, s.ID, reasoning); auditErr != nil {
			return decided, agenterrors.Wrap(agenterrors.RecoverableIO, "failed to append governance audit log", auditErr)
		}
		e.emitter.Emit(SuggestionDecidedEvent{SuggestionID: s.ID, Accepted: accept, Reasoning: reasoning})
	}
	return decided, nil
}

// Suggestions returns a copy of the full suggestion log (pending, accepted,
// and rejected) for the public surface.
func (e *Engine) Suggestions() []Suggestion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Suggestion(nil), e.suggestions...)
}

func (e *Engine) appendAudit(event AuditEvent, suggestionID uint64, details string) error {
	e.mu.Lock()
	record := AuditRecord{
		Sequence:     e.nextSeq,
		Timestamp:    e.now(),
		Event:        event,
		SuggestionID: suggestionID,
		Details:      details,
	}
	e.nextSeq++
	e.mu.Unlock()
	return storage.AppendJSONLine(e.auditPath, record)
}

package decisionstream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhbvault/agentd/storage"
)

// Mirror is an optional secondary sink for decision/highlight entries. The
// JSONL files remain canonical; a Mirror failure never fails Append — it is
// logged and discarded, per SPEC_FULL's "best-effort secondary sink".
type Mirror interface {
	InsertDecision(DecisionEntry) error
	InsertHighlight(HighlightEntry) error
}

// Stream holds the capped in-memory tail of each log plus the append-only
// JSONL files backing them, guarded by a mutex like every other native/*
// component.
type Stream struct {
	mu sync.Mutex

	decisionPath  string
	highlightPath string

	decisionCap  int
	highlightCap int

	decisions  []DecisionEntry
	highlights []HighlightEntry

	mirror Mirror
	logger *slog.Logger
	nowFn  func() time.Time
}

type Option func(*Stream)

func WithMirror(m Mirror) Option   { return func(s *Stream) { s.mirror = m } }
func WithLogger(l *slog.Logger) Option { return func(s *Stream) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Stream) { s.nowFn = now } }

// New constructs a Stream with the given last-N truncation caps for each
// log (spec.md §8 "unbounded in-memory logs" defect avoidance).
func New(decisionPath, highlightPath string, decisionCap, highlightCap int, opts ...Option) *Stream {
	s := &Stream{
		decisionPath:  decisionPath,
		highlightPath: highlightPath,
		decisionCap:   decisionCap,
		highlightCap:  highlightCap,
		decisions:     make([]DecisionEntry, 0),
		highlights:    make([]HighlightEntry, 0),
		logger:        slog.Default(),
		nowFn:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendDecision records one autonomous decision: persisted to the JSONL
// log, mirrored best-effort to SQL if configured, and kept in the capped
// in-memory tail.
func (s *Stream) AppendDecision(kind, reasoning string, payload map[string]string) (DecisionEntry, error) {
	entry := DecisionEntry{
		ID:        uuid.NewString(),
		Timestamp: s.nowFn(),
		Kind:      kind,
		Reasoning: reasoning,
		Payload:   payload,
	}
	if err := storage.AppendJSONLine(s.decisionPath, entry); err != nil {
		return DecisionEntry{}, err
	}

	s.mu.Lock()
	s.decisions = append(s.decisions, entry)
	if s.decisionCap > 0 && len(s.decisions) > s.decisionCap {
		s.decisions = s.decisions[len(s.decisions)-s.decisionCap:]
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.InsertDecision(entry); err != nil && s.logger != nil {
			s.logger.Warn("decision stream sql mirror failed", "error", err, "decision_id", entry.ID)
		}
	}
	return entry, nil
}

// AppendHighlight records one curated highlight event the same way.
func (s *Stream) AppendHighlight(kind, summary string, payload map[string]string) (HighlightEntry, error) {
	entry := HighlightEntry{
		ID:        uuid.NewString(),
		Timestamp: s.nowFn(),
		Kind:      kind,
		Summary:   summary,
		Payload:   payload,
	}
	if err := storage.AppendJSONLine(s.highlightPath, entry); err != nil {
		return HighlightEntry{}, err
	}

	s.mu.Lock()
	s.highlights = append(s.highlights, entry)
	if s.highlightCap > 0 && len(s.highlights) > s.highlightCap {
		s.highlights = s.highlights[len(s.highlights)-s.highlightCap:]
	}
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.InsertHighlight(entry); err != nil && s.logger != nil {
			s.logger.Warn("highlight stream sql mirror failed", "error", err, "highlight_id", entry.ID)
		}
	}
	return entry, nil
}

// RecentDecisions returns a copy of the capped in-memory decision tail.
func (s *Stream) RecentDecisions() []DecisionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DecisionEntry(nil), s.decisions...)
}

// RecentHighlights returns a copy of the capped in-memory highlight tail.
func (s *Stream) RecentHighlights() []HighlightEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HighlightEntry(nil), s.highlights...)
}

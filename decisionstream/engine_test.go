package decisionstream

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	decisions  []DecisionEntry
	highlights []HighlightEntry
	err        error
}

func (m *fakeMirror) InsertDecision(e DecisionEntry) error {
	if m.err != nil {
		return m.err
	}
	m.decisions = append(m.decisions, e)
	return nil
}

func (m *fakeMirror) InsertHighlight(e HighlightEntry) error {
	if m.err != nil {
		return m.err
	}
	m.highlights = append(m.highlights, e)
	return nil
}

func newTestStream(t *testing.T, clock *time.Time, decisionCap, highlightCap int, opts ...Option) *Stream {
	t.Helper()
	dir := t.TempDir()
	base := []Option{WithClock(func() time.Time { return *clock })}
	base = append(base, opts...)
	return New(filepath.Join(dir, "decisions.jsonl"), filepath.Join(dir, "highlights.jsonl"), decisionCap, highlightCap, base...)
}

func TestAppendDecisionPersistsAndTracksTail(t *testing.T) {
	now := time.Now().UTC()
	s := newTestStream(t, &now, 10, 10)

	entry, err := s.AppendDecision("heartbeat.tick", "balance reconciled", map[string]string{"tick": "1"})
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)

	recent := s.RecentDecisions()
	require.Len(t, recent, 1)
	require.Equal(t, "heartbeat.tick", recent[0].Kind)
}

func TestAppendDecisionTruncatesToCapLastN(t *testing.T) {
	now := time.Now().UTC()
	s := newTestStream(t, &now, 3, 10)

	for i := 0; i < 5; i++ {
		_, err := s.AppendDecision("tick", "", nil)
		require.NoError(t, err)
	}

	recent := s.RecentDecisions()
	require.Len(t, recent, 3)
}

func TestAppendHighlightTruncatesToCapLastN(t *testing.T) {
	now := time.Now().UTC()
	s := newTestStream(t, &now, 10, 2)

	for i := 0; i < 4; i++ {
		_, err := s.AppendHighlight("independence", "reached independence", nil)
		require.NoError(t, err)
	}

	recent := s.RecentHighlights()
	require.Len(t, recent, 2)
}

func TestAppendDecisionMirrorFailureDoesNotFailAppend(t *testing.T) {
	now := time.Now().UTC()
	mirror := &fakeMirror{err: errors.New("mirror down")}
	s := newTestStream(t, &now, 10, 10, WithMirror(mirror))

	_, err := s.AppendDecision("tick", "", nil)
	require.NoError(t, err)
	require.Len(t, s.RecentDecisions(), 1)
}

func TestAppendDecisionMirrorsWhenHealthy(t *testing.T) {
	now := time.Now().UTC()
	mirror := &fakeMirror{}
	s := newTestStream(t, &now, 10, 10, WithMirror(mirror))

	_, err := s.AppendDecision("tick", "reason", nil)
	require.NoError(t, err)
	require.Len(t, mirror.decisions, 1)
}

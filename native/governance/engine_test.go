package governance

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nhbvault/agentd/core/events"
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) { r.events = append(r.events, e) }

type fakeEvaluator struct {
	accept    bool
	reasoning string
	err       error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, s Suggestion) (bool, string, error) {
	if f.err != nil {
		return false, "", f.err
	}
	return f.accept, f.reasoning, nil
}

func newTestEngine(t *testing.T, clock *time.Time, cap int) (*Engine, *recordingEmitter) {
	t.Helper()
	dir := t.TempDir()
	emitter := &recordingEmitter{}
	eng := New(cap, filepath.Join(dir, "audit.jsonl"), WithEmitter(emitter), WithClock(func() time.Time { return *clock }))
	return eng, emitter
}

func TestSubmitQueuesSuggestion(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now, 500)

	s, err := eng.Submit("creator-1", "add a gift card adapter", "...")
	require.Nil(t, err)
	require.Equal(t, uint64(1), s.ID)
	require.Equal(t, StatusPending, s.Status)
	require.Len(t, emitter.events, 1)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now, 1)

	_, err := eng.Submit("creator-1", "first", "...")
	require.Nil(t, err)

	_, err = eng.Submit("creator-2", "second", "...")
	require.NotNil(t, err)
	require.Equal(t, "validation", err.Category.String())
	require.Len(t, emitter.events, 2)
}

func TestSubmitRejectsAfterIngressClosed(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, 500)

	eng.CloseIngress()
	_, err := eng.Submit("creator-1", "title", "body")
	require.NotNil(t, err)
}

func TestSubmitDoesNotCountDecidedSuggestionsAgainstCap(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, 1)

	_, err := eng.Submit("creator-1", "first", "...")
	require.Nil(t, err)

	_, decideErr := eng.EvaluatePending(context.Background(), &fakeEvaluator{accept: true, reasoning: "good idea"})
	require.Nil(t, decideErr)

	_, err = eng.Submit("creator-2", "second", "...")
	require.Nil(t, err)
}

func TestEvaluatePendingRecordsDecisionForEveryPending(t *testing.T) {
	now := time.Now().UTC()
	eng, emitter := newTestEngine(t, &now, 500)

	_, err := eng.Submit("creator-1", "first", "...")
	require.Nil(t, err)
	_, err = eng.Submit("creator-2", "second", "...")
	require.Nil(t, err)

	decided, decErr := eng.EvaluatePending(context.Background(), &fakeEvaluator{accept: true, reasoning: "aligns with vault goals"})
	require.Nil(t, decErr)
	require.Len(t, decided, 2)
	for _, s := range decided {
		require.Equal(t, StatusAccepted, s.Status)
		require.Equal(t, "aligns with vault goals", s.Reasoning)
	}

	all := eng.Suggestions()
	require.Len(t, all, 2)
	// Decided events plus the two initial queued events.
	require.Len(t, emitter.events, 4)
}

func TestEvaluatePendingSkipsAlreadyDecided(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, 500)

	_, err := eng.Submit("creator-1", "title", "body")
	require.Nil(t, err)

	first, decErr := eng.EvaluatePending(context.Background(), &fakeEvaluator{accept: false, reasoning: "too risky"})
	require.Nil(t, decErr)
	require.Len(t, first, 1)

	second, decErr := eng.EvaluatePending(context.Background(), &fakeEvaluator{accept: true, reasoning: "changed my mind"})
	require.Nil(t, decErr)
	require.Len(t, second, 0)

	all := eng.Suggestions()
	require.Equal(t, StatusRejected, all[0].Status)
	require.Equal(t, "too risky", all[0].Reasoning)
}

func TestEvaluatePendingPropagatesEvaluatorError(t *testing.T) {
	now := time.Now().UTC()
	eng, _ := newTestEngine(t, &now, 500)

	_, err := eng.Submit("creator-1", "title", "body")
	require.Nil(t, err)

	_, decErr := eng.EvaluatePending(context.Background(), &fakeEvaluator{err: errors.New("llm timeout")})
	require.NotNil(t, decErr)

	all := eng.Suggestions()
	require.Equal(t, StatusPending, all[0].Status)
}

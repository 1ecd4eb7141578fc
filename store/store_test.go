package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskforge/internal/natstest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	js := natstest.JetStream(t)
	s, err := New(context.Background(), js, DefaultRetentionConfig(), nil)
	require.NoError(t, err)
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", map[string]any{"a": 1.0}, "job-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePending, e.State)
	require.Equal(t, "fp-1", e.TaskFingerprint)
	require.Nil(t, e.Output)
	require.Nil(t, e.Error)
}

func TestTransitionHappyPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", map[string]any{"a": 1.0}, "job-1")
	require.NoError(t, err)

	now := time.Now()
	err = s.Transition(ctx, id, StatePending, StateRunning, func(e *Execution) {
		e.Timings.StartedAt = &now
	})
	require.NoError(t, err)

	err = s.Transition(ctx, id, StateRunning, StateCompleted, func(e *Execution) {
		finished := now.Add(time.Second)
		e.Timings.FinishedAt = &finished
		e.Output = map[string]any{"result": 5.0}
	})
	require.NoError(t, err)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, e.State)
	require.NotNil(t, e.Output)
	require.Nil(t, e.Error)
}

func TestTransitionRejectsWrongFrom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", nil, "")
	require.NoError(t, err)

	err = s.Transition(ctx, id, StateRunning, StateCompleted, nil)
	require.ErrorIs(t, err, ErrConflictingState)
}

func TestTransitionIsSticky(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, StatePending, StateRunning, nil))
	require.NoError(t, s.Transition(ctx, id, StateRunning, StateFailed, func(e *Execution) {
		e.Error = &StructuredError{Code: "boom", Message: "crashed"}
	}))

	// A terminal state never changes (spec.md §3 / §8 universal invariant).
	err = s.Transition(ctx, id, StateFailed, StateRunning, nil)
	require.ErrorIs(t, err, ErrConflictingState)
}

func TestAppendProgressCoalesces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, StatePending, StateRunning, nil))

	require.NoError(t, s.AppendProgress(ctx, id, Progress{Phase: "first", Pct: 0.1}))
	// Within the 100ms gate, this write is dropped.
	require.NoError(t, s.AppendProgress(ctx, id, Progress{Phase: "second", Pct: 0.5}))

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e.Progress)
	require.Equal(t, "first", e.Progress.Phase)
}

func TestAppendProgressDroppedAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, StatePending, StateCancelled, nil))

	err = s.AppendProgress(ctx, id, Progress{Phase: "late", Pct: 1})
	require.NoError(t, err)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, e.Progress)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Create(ctx, "fp-a", nil, "")
	require.NoError(t, err)
	id2, err := s.Create(ctx, "fp-b", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id1, StatePending, StateCancelled, nil))

	rows, err := s.List(ctx, Filter{State: StateCancelled}, Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id1, rows[0].ID)

	rows, err = s.List(ctx, Filter{TaskFingerprint: "fp-b"}, Page{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, id2, rows[0].ID)
}

func TestSweepArchivesExpiredRows(t *testing.T) {
	s := newTestStore(t)
	s.retain = RetentionConfig{Archive: true, TTL: map[State]time.Duration{StateCompleted: time.Millisecond}}
	ctx := context.Background()

	id, err := s.Create(ctx, "fp-1", nil, "")
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, StatePending, StateRunning, nil))
	require.NoError(t, s.Transition(ctx, id, StateRunning, StateCompleted, func(e *Execution) {
		finished := time.Now().Add(-time.Hour)
		e.Timings.FinishedAt = &finished
	}))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	entry, err := s.archive.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, entry)
}

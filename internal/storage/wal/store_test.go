package wal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

func newJournaled(t *testing.T, path string, afterSeq uint64) (*Store, *WAL, int) {
	t.Helper()
	w, err := Open(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	s := NewStore(store.NewMemoryStore(store.DefaultRetention))
	n, err := s.Recover(w, afterSeq)
	require.NoError(t, err)
	return s, w, n
}

func TestStoreJournalsAndReplaysWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttq.wal")
	ctx := context.Background()
	s, w, _ := newJournaled(t, path, 0)

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := types.Job{ID: "j1", Name: "long_demo", Args: types.Args{"text": "hi", "steps": 4}, SubmittedAt: at}
	_, err := s.Create(ctx, job)
	require.NoError(t, err)
	_, err = s.Create(ctx, types.Job{ID: "gone", Name: "ping", Args: types.Args{}})
	require.NoError(t, err)

	writes := []types.JobState{
		{JobID: "j1", State: types.StateStarted},
		{JobID: "j1", State: types.StateProgress, Step: 1, Total: 4},
		{JobID: "j1", State: types.StateProgress, Step: 2, Total: 4},
	}
	for _, next := range writes {
		_, err := s.Put(ctx, next)
		require.NoError(t, err)
	}
	require.NoError(t, s.Delete(ctx, "gone"))

	// rejected writes are not journaled
	_, err = s.Put(ctx, types.JobState{JobID: "j1", State: types.StatePending})
	require.Error(t, err)
	_, err = s.Put(ctx, types.JobState{JobID: "missing", State: types.StateStarted})
	require.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, uint64(6), w.LastSeq())
	want, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	replayed, _, n := newJournaled(t, path, 0)
	assert.Equal(t, 6, n)

	got, err := replayed.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, 50, got.ProgressPct)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	_, err = replayed.Get(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)

	unfinished, err := replayed.Unfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, 4, unfinished[0].Args.Int("steps", 0))
	assert.True(t, at.Equal(unfinished[0].SubmittedAt))
}

func TestRecoverSkipsEventsCoveredBySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttq.wal")
	ctx := context.Background()
	s, w, _ := newJournaled(t, path, 0)

	_, err := s.Create(ctx, types.Job{ID: "old", Name: "ping", Args: types.Args{}})
	require.NoError(t, err)
	covered := w.LastSeq()
	_, err = s.Create(ctx, types.Job{ID: "new", Name: "ping", Args: types.Args{}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	replayed, _, n := newJournaled(t, path, covered)
	assert.Equal(t, 1, n)

	_, err = replayed.Get(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = replayed.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestWritesBeforeRecoverAreNotJournaled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttq.wal")
	ctx := context.Background()

	s := NewStore(store.NewMemoryStore(store.DefaultRetention))
	_, err := s.Create(ctx, types.Job{ID: "early", Name: "ping", Args: types.Args{}})
	require.NoError(t, err)
	assert.Nil(t, s.Journal())

	w, err := Open(path, false)
	require.NoError(t, err)
	defer w.Close()
	_, err = s.Recover(w, 0)
	require.NoError(t, err)
	assert.Same(t, w, s.Journal())
	assert.Zero(t, w.LastSeq())

	_, err = s.Put(ctx, types.JobState{JobID: "early", State: types.StateRevoked})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), w.LastSeq())
}

func TestCreateRollsBackWhenJournalFails(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		job  types.Job
	}{
		{name: "fresh job", job: types.Job{ID: "lost", Name: "ping", Args: types.Args{}}},
		{name: "job with args", job: types.Job{ID: "lost-args", Name: "long_demo", Args: types.Args{"steps": 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, w, _ := newJournaled(t, filepath.Join(t.TempDir(), "ttq.wal"), 0)
			require.NoError(t, w.Close())

			st, err := s.Create(ctx, tt.job)
			assert.ErrorIs(t, err, ErrWALClosed)
			assert.Empty(t, st.JobID)

			_, err = s.Get(ctx, tt.job.ID)
			assert.ErrorIs(t, err, store.ErrNotFound)
			pending, err := s.Unfinished(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestReplayRejectsUnknownEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ttq.wal")
	w, err := Open(path, false)
	require.NoError(t, err)
	_, err = w.Append("TRUNCATE", "x", nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Open(path, false)
	require.NoError(t, err)
	defer w.Close()

	s := NewStore(store.NewMemoryStore(store.DefaultRetention))
	_, err = s.Recover(w, 0)
	assert.ErrorContains(t, err, "unknown event type")
	assert.Nil(t, s.Journal())
}

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ttq-tasks/internal/broker"
	"github.com/ChuLiYu/ttq-tasks/internal/registry"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/internal/tasks"
	"github.com/ChuLiYu/ttq-tasks/internal/worker"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// ============================================================================
// Fixtures
// ============================================================================

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func failing(context.Context, types.Args, registry.Progress, registry.CancelSignal) (map[string]any, error) {
	return nil, errors.New("handler exploded")
}

type env struct {
	gw    *Gateway
	queue *broker.Queue
	store *store.MemoryStore
	pool  *worker.Pool
}

func newEnv(t *testing.T, workers int) *env {
	t.Helper()
	reg, err := tasks.Register(registry.NewBuilder()).Register("failing", failing).Build()
	require.NoError(t, err)

	e := &env{
		queue: broker.New(16, time.Minute),
		store: store.NewMemoryStore(store.DefaultRetention),
	}
	e.pool = worker.NewPool(worker.Config{Workers: max(1, workers)}, e.queue, e.store, reg, worker.WithLogger(quiet))
	e.gw = New(reg, e.store, e.queue, e.pool, WithLogger(quiet))

	if workers > 0 {
		require.NoError(t, e.pool.Start(context.Background()))
	}
	t.Cleanup(func() {
		e.queue.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.pool.Stop(ctx)
	})
	return e
}

func (e *env) await(t *testing.T, id types.JobID, want types.State) StatusView {
	t.Helper()
	var v StatusView
	require.Eventually(t, func() bool {
		var err error
		v, err = e.gw.Status(context.Background(), id)
		return err == nil && v.State == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s (last %s)", id, want, v.State)
	return v
}

// ============================================================================
// Submission
// ============================================================================

func TestEnqueueThenStatusIsPending(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	for _, name := range e.gw.Allowed() {
		id, err := e.gw.Enqueue(ctx, name, nil)
		require.NoError(t, err, name)
		require.NotEmpty(t, id)

		v, err := e.gw.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StatePending, v.State, name)
		assert.Equal(t, 0, v.ProgressPct)
	}
}

func TestEnqueueThenStatusWithWorkers(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	id, err := e.gw.Enqueue(ctx, tasks.NameLongDemo, map[string]any{"text": "slow", "steps": 2, "delay": 1})
	require.NoError(t, err)

	v, err := e.gw.Status(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []types.State{types.StatePending, types.StateStarted}, v.State)
}

func TestEnqueueUnknownJob(t *testing.T) {
	e := newEnv(t, 0)
	e.gw.newID = func() types.JobID { return "fixed-id" }

	id, err := e.gw.Enqueue(context.Background(), "no_such_task", nil)
	assert.ErrorIs(t, err, registry.ErrUnknownJob)
	assert.Empty(t, id)

	_, err = e.gw.Status(context.Background(), "fixed-id")
	assert.ErrorIs(t, err, ErrNotFound, "an unknown name never yields a retrievable id")
}

func TestEnqueueChannelUnavailable(t *testing.T) {
	e := newEnv(t, 0)
	e.gw.newID = func() types.JobID { return "closed-id" }
	e.queue.Close()

	_, err := e.gw.Enqueue(context.Background(), tasks.NamePing, nil)
	assert.ErrorIs(t, err, ErrChannelUnavailable)

	_, err = e.gw.Status(context.Background(), "closed-id")
	assert.ErrorIs(t, err, ErrNotFound, "the PENDING record is removed again")
}

func TestAllowedIsSorted(t *testing.T) {
	e := newEnv(t, 0)
	assert.Equal(t, []string{"failing", tasks.NameLongDemo, tasks.NamePing}, e.gw.Allowed())
}

// ============================================================================
// Execution scenarios
// ============================================================================

func TestLongDemoScenario(t *testing.T) {
	e := newEnv(t, 2)

	id, err := e.gw.Enqueue(context.Background(), tasks.NameLongDemo, map[string]any{"text": "hi", "steps": 3, "delay": 0})
	require.NoError(t, err)

	v := e.await(t, id, types.StateSuccess)
	assert.Equal(t, 100, v.ProgressPct)
	assert.Equal(t, 3, v.Step)
	assert.Equal(t, 3, v.Total)
	echo, _ := v.Result["echo"].(string)
	assert.Contains(t, echo, "hi")
	assert.Contains(t, echo, "3")
	assert.Empty(t, v.Error)
}

func TestPingScenario(t *testing.T) {
	e := newEnv(t, 1)

	id, err := e.gw.Enqueue(context.Background(), tasks.NamePing, nil)
	require.NoError(t, err)

	v := e.await(t, id, types.StateSuccess)
	assert.Equal(t, map[string]any{"pong": true}, v.Result)
	assert.Equal(t, 100, v.ProgressPct)
}

func TestFailingHandlerScenario(t *testing.T) {
	e := newEnv(t, 1)

	id, err := e.gw.Enqueue(context.Background(), "failing", nil)
	require.NoError(t, err)

	v := e.await(t, id, types.StateFailure)
	assert.Equal(t, "handler exploded", v.Error)
	assert.NotEmpty(t, v.Traceback)
	assert.Nil(t, v.Result)

	// The executor keeps serving after a handler fault.
	id2, err := e.gw.Enqueue(context.Background(), tasks.NamePing, nil)
	require.NoError(t, err)
	e.await(t, id2, types.StateSuccess)
}

func TestProgressIsMonotonic(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	id, err := e.gw.Enqueue(ctx, tasks.NameLongDemo, map[string]any{"text": "m", "steps": 10, "delay": 0.01})
	require.NoError(t, err)

	last := 0
	require.Eventually(t, func() bool {
		v, err := e.gw.Status(ctx, id)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v.ProgressPct, last)
		last = v.ProgressPct
		return v.State == types.StateSuccess
	}, 5*time.Second, time.Millisecond)

	first, err := e.gw.Status(ctx, id)
	require.NoError(t, err)
	second, err := e.gw.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second, "re-reads without new progress are identical")
}

// ============================================================================
// Revoke
// ============================================================================

func TestRevokeRunningJob(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	id, err := e.gw.Enqueue(ctx, tasks.NameLongDemo, map[string]any{"text": "x", "steps": 50, "delay": 0.05})
	require.NoError(t, err)
	e.await(t, id, types.StateProgress)

	revoked, err := e.gw.Revoke(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, revoked)

	v := e.await(t, id, types.StateRevoked)
	assert.Nil(t, v.Result)
	assert.Empty(t, v.Error)

	// The record never moves on to SUCCESS or FAILURE.
	assert.Eventually(t, func() bool { return e.pool.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	v, err = e.gw.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateRevoked, v.State)
}

func TestRevokeWithTerminate(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	id, err := e.gw.Enqueue(ctx, tasks.NameLongDemo, map[string]any{"steps": 2, "delay": 30})
	require.NoError(t, err)
	e.await(t, id, types.StateStarted)

	revoked, err := e.gw.Revoke(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Eventually(t, func() bool { return e.pool.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRevokePendingJobNeverRuns(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()

	id, err := e.gw.Enqueue(ctx, tasks.NamePing, nil)
	require.NoError(t, err)

	revoked, err := e.gw.Revoke(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, revoked)

	// Revoking twice still reports the job as revoked.
	revoked, err = e.gw.Revoke(ctx, id, false)
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, e.pool.Start(ctx))
	assert.Eventually(t, func() bool { return e.queue.Stats() == broker.Stats{Capacity: 16} }, 2*time.Second, 5*time.Millisecond)

	v, err := e.gw.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateRevoked, v.State)
}

func TestRevokeFinishedJobIsNoop(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()

	id, err := e.gw.Enqueue(ctx, tasks.NamePing, nil)
	require.NoError(t, err)
	before := e.await(t, id, types.StateSuccess)

	revoked, err := e.gw.Revoke(ctx, id, true)
	require.NoError(t, err)
	assert.False(t, revoked)

	after, err := e.gw.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRevokeAndStatusUnknown(t *testing.T) {
	e := newEnv(t, 0)

	_, err := e.gw.Revoke(context.Background(), "nope", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.gw.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

type recordingCanceller struct {
	mu    sync.Mutex
	calls []string
}

func (c *recordingCanceller) Cancel(id types.JobID, terminate bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, string(id)+"/"+map[bool]string{true: "terminate", false: "soft"}[terminate])
	return true
}

type countingRecorder struct {
	submits  int
	accepted int
	rejected int
}

func (r *countingRecorder) RecordSubmit(string) { r.submits++ }
func (r *countingRecorder) RecordRevoke(ok bool) {
	if ok {
		r.accepted++
	} else {
		r.rejected++
	}
}

func TestRevokeSignalsCanceller(t *testing.T) {
	reg, err := tasks.Default()
	require.NoError(t, err)
	st := store.NewMemoryStore(0)
	q := broker.New(4, 0)
	c := &recordingCanceller{}
	rec := &countingRecorder{}
	gw := New(reg, st, q, c, WithRecorder(rec), WithLogger(quiet),
		WithIDGenerator(func() types.JobID { return "job-1" }))
	ctx := context.Background()

	id, err := gw.Enqueue(ctx, tasks.NamePing, nil)
	require.NoError(t, err)
	_, err = st.Put(ctx, types.JobState{JobID: id, State: types.StateStarted})
	require.NoError(t, err)

	ok, err := gw.Revoke(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"job-1/terminate"}, c.calls)

	_, err = gw.Revoke(ctx, id, false)
	require.NoError(t, err)
	assert.Len(t, c.calls, 1, "already revoked jobs are not signalled again")

	assert.Equal(t, 1, rec.submits)
	assert.Equal(t, 2, rec.accepted)
	assert.Equal(t, 0, rec.rejected)
}

// ============================================================================
// View mapping
// ============================================================================

func TestView(t *testing.T) {
	tests := []struct {
		name string
		in   types.JobState
		want StatusView
	}{
		{
			name: "progress",
			in:   types.JobState{JobID: "a", State: types.StateProgress, Step: 1, Total: 4, ProgressPct: 25},
			want: StatusView{ID: "a", State: types.StateProgress, Step: 1, Total: 4, ProgressPct: 25},
		},
		{
			name: "success without progress payload defaults to 100",
			in:   types.JobState{JobID: "b", State: types.StateSuccess, ProgressPct: 100, Result: map[string]any{"pong": true}},
			want: StatusView{ID: "b", State: types.StateSuccess, ProgressPct: 100, Result: map[string]any{"pong": true}},
		},
		{
			name: "success reads handler progress",
			in: types.JobState{JobID: "c", State: types.StateSuccess, ProgressPct: 100, Step: 3, Total: 3,
				Result: map[string]any{"progress": map[string]any{"step": 7.0, "total": 7.0, "progress_pct": 100.0}}},
			want: StatusView{ID: "c", State: types.StateSuccess, ProgressPct: 100, Step: 7, Total: 7,
				Result: map[string]any{"progress": map[string]any{"step": 7.0, "total": 7.0, "progress_pct": 100.0}}},
		},
		{
			name: "success ignores handler progress_pct",
			in: types.JobState{JobID: "f", State: types.StateSuccess, ProgressPct: 100,
				Result: map[string]any{"progress": map[string]any{"step": 2.0, "total": 4.0, "progress_pct": 0.0}}},
			want: StatusView{ID: "f", State: types.StateSuccess, ProgressPct: 100, Step: 2, Total: 4,
				Result: map[string]any{"progress": map[string]any{"step": 2.0, "total": 4.0, "progress_pct": 0.0}}},
		},
		{
			name: "failure exposes error and traceback",
			in:   types.JobState{JobID: "d", State: types.StateFailure, Error: "boom", Trace: "at x"},
			want: StatusView{ID: "d", State: types.StateFailure, Error: "boom", Traceback: "at x"},
		},
		{
			name: "revoked exposes nothing extra",
			in:   types.JobState{JobID: "e", State: types.StateRevoked, Step: 2, Total: 5, ProgressPct: 40, Error: "stale"},
			want: StatusView{ID: "e", State: types.StateRevoked, Step: 2, Total: 5, ProgressPct: 40},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, View(tt.in))
		})
	}
}

func TestStateTokensAreUpperCase(t *testing.T) {
	for _, st := range []types.State{
		types.StatePending, types.StateStarted, types.StateProgress,
		types.StateSuccess, types.StateFailure, types.StateRevoked,
	} {
		assert.Equal(t, strings.ToUpper(string(st)), string(st))
	}
}

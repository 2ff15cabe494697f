package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// newPostgresStore connects to TTQ_TEST_DATABASE_URL or skips the test.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TTQ_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TTQ_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	s := NewPostgresStore(db, DefaultRetention, nil)
	require.NoError(t, s.EnsureSchema(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	id := types.JobID(uuid.NewString())

	_, err := s.Create(ctx, types.Job{ID: id, Name: "long_demo", Args: types.Args{"text": "pg"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })

	_, err = s.Create(ctx, types.Job{ID: id, Name: "long_demo"})
	assert.ErrorIs(t, err, ErrDuplicateJob)

	jobs, err := s.Unfinished(ctx)
	require.NoError(t, err)
	var found bool
	for _, j := range jobs {
		if j.ID == id {
			found = true
			assert.Equal(t, "pg", j.Args.String("text", ""))
		}
	}
	assert.True(t, found)

	_, err = s.Put(ctx, types.JobState{JobID: id, State: types.StateStarted})
	require.NoError(t, err)
	st, err := s.Put(ctx, types.JobState{JobID: id, State: types.StateProgress, Step: 1, Total: 4})
	require.NoError(t, err)
	assert.Equal(t, 25, st.ProgressPct)

	st, err = s.Put(ctx, types.JobState{JobID: id, State: types.StateProgress, Step: 0, Total: 4})
	require.NoError(t, err)
	assert.Equal(t, 25, st.ProgressPct, "stale progress is dropped")

	_, err = s.Put(ctx, types.JobState{JobID: id, State: types.StateSuccess, Result: map[string]any{"echo": "ok"}})
	require.NoError(t, err)

	st, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, st.State)
	assert.Equal(t, 100, st.ProgressPct)
	assert.Equal(t, "ok", st.Result["echo"])

	_, err = s.Put(ctx, types.JobState{JobID: id, State: types.StateRevoked})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestPostgresNotFound(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, types.JobID(uuid.NewString()))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, types.JobID(uuid.NewString())), ErrNotFound)
}

func TestDecodeJSONKeepsIntegerPrecision(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		key     string
		wantStr string
		wantInt int
	}{
		{name: "large integer", data: `{"big":1152921504606846976}`, key: "big", wantStr: "1152921504606846976", wantInt: 1 << 60},
		{name: "small integer", data: `{"steps":12}`, key: "steps", wantStr: "12", wantInt: 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args types.Args
			require.NoError(t, decodeJSON([]byte(tt.data), &args))
			assert.Equal(t, tt.wantStr, args.String(tt.key, ""))
			assert.Equal(t, tt.wantInt, args.Int(tt.key, 0))
		})
	}
}

// ============================================================================
// ttq Result Store
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Keyed store of job state, one record per job id.
//
// State machine (enforced by Transition for every backend):
//
//   PENDING --start--> STARTED --progress--> PROGRESS --progress--> ...
//   STARTED/PROGRESS --start--> STARTED        (redelivery after a lost lease)
//   STARTED/PROGRESS --success/failure--> SUCCESS / FAILURE
//   PENDING/STARTED/PROGRESS --revoke--> REVOKED
//
//   Nothing leaves SUCCESS, FAILURE or REVOKED. The only way a terminal
//   record disappears is the retention sweep.
//
// Write model:
//   Put is a compare-and-set: the backend loads the current record under a
//   per-job lock (mutex or SELECT ... FOR UPDATE), runs Transition and stores
//   the result. A progress write racing a terminal write therefore either
//   lands first or is rejected with ErrTerminal.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	// ErrNotFound is returned for ids that never existed or were purged.
	ErrNotFound = errors.New("job state not found")
	// ErrDuplicateJob is returned when Create reuses an existing id.
	ErrDuplicateJob = errors.New("job already exists")
	// ErrTerminal is returned when a write targets a job in a terminal state.
	ErrTerminal = errors.New("job already in terminal state")
	// ErrInvalidTransition is returned for state changes the machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrInvalidProgress is returned for negative step or total values.
	ErrInvalidProgress = errors.New("invalid progress values")
)

// DefaultRetention keeps finished jobs for one day.
const DefaultRetention = 24 * time.Hour

// Store keeps job state records.
type Store interface {
	// Create records job in PENDING state.
	Create(ctx context.Context, job types.Job) (types.JobState, error)
	// Get returns a complete copy of the current record.
	Get(ctx context.Context, id types.JobID) (types.JobState, error)
	// Put applies next.State to the record of next.JobID via Transition and
	// returns the stored record. Only the fields relevant to the target
	// state are read from next.
	Put(ctx context.Context, next types.JobState) (types.JobState, error)
	// Delete removes a record regardless of its state.
	Delete(ctx context.Context, id types.JobID) error
	// DeleteExpired purges terminal records last updated before now-retention.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Unfinished returns the jobs that have not reached a terminal state.
	Unfinished(ctx context.Context) ([]types.Job, error)
	// Stats counts records per state.
	Stats(ctx context.Context) (map[types.State]int, error)
}

// NewState returns the PENDING record for a freshly submitted job.
func NewState(job types.Job, now time.Time) types.JobState {
	return types.JobState{
		JobID:       job.ID,
		Name:        job.Name,
		State:       types.StatePending,
		SubmittedAt: job.SubmittedAt,
		UpdatedAt:   now,
	}
}

// Transition computes the record that results from writing next over cur.
//
// The boolean is false when the write is accepted but changes nothing, which
// happens for progress reports older than what is already stored.
func Transition(cur, next types.JobState, now time.Time) (types.JobState, bool, error) {
	if cur.State.Terminal() {
		return cur, false, fmt.Errorf("%w: %s is %s", ErrTerminal, cur.JobID, cur.State)
	}

	out := cur.Clone()
	switch next.State {
	case types.StateStarted:
		if cur.State != types.StatePending && !cur.State.Running() {
			return cur, false, invalid(cur, next)
		}
		out.State = types.StateStarted
		out.Attempt++

	case types.StateProgress:
		if !cur.State.Running() {
			return cur, false, invalid(cur, next)
		}
		if next.Step < 0 || next.Total < 0 {
			return cur, false, fmt.Errorf("%w: step=%d total=%d", ErrInvalidProgress, next.Step, next.Total)
		}
		step, pct := next.Step, cur.ProgressPct
		if next.Total > 0 {
			step = min(step, next.Total)
			pct = step * 100 / next.Total
		}
		if pct < cur.ProgressPct {
			return cur, false, nil
		}
		out.State = types.StateProgress
		out.Step = step
		out.Total = next.Total
		out.ProgressPct = pct

	case types.StateSuccess:
		if !cur.State.Running() {
			return cur, false, invalid(cur, next)
		}
		out.State = types.StateSuccess
		out.Result = next.Result
		out.ProgressPct = 100
		if out.Total > 0 {
			out.Step = out.Total
		}

	case types.StateFailure:
		if !cur.State.Running() {
			return cur, false, invalid(cur, next)
		}
		out.State = types.StateFailure
		out.Error = next.Error
		out.Trace = next.Trace

	case types.StateRevoked:
		out.State = types.StateRevoked

	default:
		return cur, false, invalid(cur, next)
	}

	out.UpdatedAt = now
	return out, true, nil
}

func invalid(cur, next types.JobState) error {
	return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, cur.State, next.State, cur.JobID)
}

// expired reports whether a terminal record fell out of the retention window.
func expired(st types.JobState, now time.Time, retention time.Duration) bool {
	return retention > 0 && st.State.Terminal() && now.Sub(st.UpdatedAt) > retention
}

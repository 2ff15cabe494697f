package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/ttq-tasks/internal/registry"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// execution is the live state of one running job. It is the handler's
// Progress and CancelSignal at the same time.
type execution struct {
	id    types.JobID
	name  string
	ctx   context.Context
	stop  context.CancelCauseFunc
	store store.Store
	log   *slog.Logger

	once      sync.Once
	cancelled chan struct{}
}

func newExecution(ctx context.Context, stop context.CancelCauseFunc, job types.Job, st store.Store, log *slog.Logger) *execution {
	return &execution{
		id:        job.ID,
		name:      job.Name,
		ctx:       ctx,
		stop:      stop,
		store:     st,
		log:       log,
		cancelled: make(chan struct{}),
	}
}

// cancel raises the cancellation flag. terminate also cancels the handler
// context so handlers blocked outside a checkpoint return.
func (e *execution) cancel(terminate bool) {
	e.once.Do(func() { close(e.cancelled) })
	if terminate {
		e.stop(ErrTerminated)
	}
}

func (e *execution) Cancelled() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

func (e *execution) Done() <-chan struct{} { return e.cancelled }

// Report stores a PROGRESS update and is the handler's cancellation
// checkpoint.
func (e *execution) Report(step, total int) error {
	if e.Cancelled() {
		return registry.ErrCancelled
	}
	if step < 0 || total < 0 {
		return registry.ErrInvalidProgress
	}

	_, err := e.store.Put(e.ctx, types.JobState{
		JobID: e.id,
		State: types.StateProgress,
		Step:  step,
		Total: total,
	})
	switch {
	case errors.Is(err, store.ErrTerminal):
		// Revoked by someone who does not share this process.
		e.cancel(false)
		return registry.ErrCancelled
	case err != nil:
		e.log.Warn("progress update failed",
			"job_id", e.id, "step", step, "total", total, "error", err)
	}

	if e.Cancelled() {
		return registry.ErrCancelled
	}
	return nil
}

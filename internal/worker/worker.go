// ============================================================================
// ttq Worker - job execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine of the pool. Claims a job, runs its handler and
//          records the outcome.
//
// Execution of one delivery:
//   1. register the execution (skip if the job already runs here)
//   2. Put STARTED          - terminal already? ack and skip (revoked while queued)
//   3. heartbeat goroutine  - Extend the lease every HeartbeatInterval
//   4. handler(ctx, args, progress, cancel) under recover()
//   5. classify the outcome:
//        cancel flag raised            -> REVOKED
//        nil error                     -> SUCCESS with the handler result
//        pool aborted by shutdown      -> abandon (no write, no ack)
//        panic                         -> FAILURE, trace = goroutine stack
//        ctx cause ErrTaskTimeout      -> FAILURE "task timed out after ..."
//        other error                   -> FAILURE, trace = error chain
//   6. Put outcome, Ack
//
// A terminal write that loses the race against a revoke comes back as
// ErrTerminal; the stored REVOKED wins and the job is acked all the same.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ChuLiYu/ttq-tasks/internal/broker"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// claimRetryDelay spaces out Claim retries after an unexpected error.
const claimRetryDelay = 100 * time.Millisecond

// Worker is one executor goroutine.
type Worker struct {
	id   int
	pool *Pool
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{id: id, pool: pool}
}

// Run claims and executes jobs until ctx ends or the source closes.
func (w *Worker) Run(ctx context.Context) {
	log := w.pool.log.With("worker", w.id)
	for {
		d, err := w.pool.src.Claim(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "error", err)
			select {
			case <-time.After(claimRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		res, ok := w.execute(d)
		if ok {
			w.pool.publish(res)
		}
	}
}

// execute runs one delivery. ok is false when nothing ran.
func (w *Worker) execute(d *broker.Delivery) (Result, bool) {
	p := w.pool
	job := d.Job
	log := p.log.With("worker", w.id, "job_id", job.ID, "job", job.Name, "attempt", d.Attempt)

	var (
		ctx    context.Context
		stop   context.CancelCauseFunc
		cancel context.CancelFunc = func() {}
	)
	ctx, stop = context.WithCancelCause(p.runCtx)
	if p.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, p.cfg.TaskTimeout, ErrTaskTimeout)
	}
	defer func() {
		cancel()
		stop(nil)
	}()

	exec := newExecution(ctx, stop, job, p.store, log)
	if !p.acquire(exec) {
		log.Debug("job already running in this pool, skipping redelivery")
		return Result{}, false
	}
	defer p.release(job.ID)

	writeCtx := context.WithoutCancel(p.runCtx)

	if _, err := p.store.Put(writeCtx, types.JobState{JobID: job.ID, State: types.StateStarted}); err != nil {
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
			log.Info("job finished before it started, dropping", "reason", err)
			_ = p.src.Ack(job.ID)
			return Result{}, false
		}
		// The lease is left to expire so another attempt can pick the job up.
		log.Error("failed to mark job started", "error", err)
		return Result{}, false
	}

	p.observer.JobStarted(job.Name)
	start := time.Now()

	stopHeartbeat := w.heartbeat(job.ID)
	result, err := w.invoke(ctx, exec, job)
	stopHeartbeat()
	elapsed := time.Since(start)

	next, abandoned := w.outcome(ctx, exec, result, err)
	if abandoned {
		log.Warn("job abandoned by shutdown", "elapsed", elapsed)
		return Result{JobID: job.ID, Error: err, Duration: elapsed}, true
	}

	stored, perr := p.store.Put(writeCtx, next)
	switch {
	case perr == nil:
	case errors.Is(perr, store.ErrTerminal):
		log.Info("outcome superseded", "wanted", next.State, "stored", stored.State)
		next.State = stored.State
	default:
		log.Error("failed to record outcome", "state", next.State, "error", perr)
		return Result{JobID: job.ID, Error: perr, Duration: elapsed}, true
	}
	_ = p.src.Ack(job.ID)

	p.observer.JobFinished(job.Name, next.State, elapsed)
	logOutcome(log, next, elapsed)
	return Result{JobID: job.ID, State: next.State, Error: err, Duration: elapsed}, true
}

// invoke calls the handler and converts a panic into a *PanicError.
func (w *Worker) invoke(ctx context.Context, exec *execution, job types.Job) (result map[string]any, err error) {
	handler, err := w.pool.registry.Lookup(job.Name)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return handler(ctx, job.Args, exec, exec)
}

// outcome maps the handler return onto the state to record.
func (w *Worker) outcome(ctx context.Context, exec *execution, result map[string]any, err error) (types.JobState, bool) {
	next := types.JobState{JobID: exec.id}

	switch {
	case exec.Cancelled():
		next.State = types.StateRevoked
		return next, false
	case err == nil:
		next.State = types.StateSuccess
		next.Result = result
		return next, false
	case w.pool.runCtx.Err() != nil:
		return next, true
	}

	next.State = types.StateFailure
	var pe *PanicError
	switch {
	case errors.As(err, &pe):
		next.Error = pe.Error()
		next.Trace = string(pe.Stack)
	case errors.Is(context.Cause(ctx), ErrTaskTimeout):
		next.Error = fmt.Sprintf("task timed out after %s", w.pool.cfg.TaskTimeout)
		next.Trace = errorChain(err)
	default:
		next.Error = err.Error()
		next.Trace = errorChain(err)
	}
	return next, false
}

// heartbeat renews the lease on id until the returned func is called.
func (w *Worker) heartbeat(id types.JobID) func() {
	interval := w.pool.cfg.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := w.pool.src.Extend(id); err != nil {
					w.pool.log.Warn("lease renewal failed", "job_id", id, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// errorChain renders err and every error it wraps, outermost first.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return b.String()
}

func logOutcome(log *slog.Logger, st types.JobState, elapsed time.Duration) {
	switch st.State {
	case types.StateFailure:
		log.Warn("job failed", "error", st.Error, "elapsed", elapsed)
	case types.StateRevoked:
		log.Info("job revoked", "elapsed", elapsed)
	default:
		log.Info("job finished", "state", st.State, "elapsed", elapsed)
	}
}

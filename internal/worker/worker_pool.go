// ============================================================================
// ttq Worker Pool - concurrent job executors
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Runs N Worker goroutines that claim jobs from the broker, execute
//          their handlers and write the outcome to the result store.
//
// Architecture:
//   ┌──────────┐  Claim   ┌─────────────────────┐  Put   ┌─────────────┐
//   │  broker  │ ───────> │ Pool                │ ─────> │ result store│
//   │  Queue   │ <─────── │  Worker 1..N        │        └─────────────┘
//   └──────────┘ Ack/     │  execs[id] -> token │ <── Cancel(id, terminate)
//                Extend   └─────────────────────┘         (gateway revoke)
//
// Lifecycle:
//   1. NewPool()   - wire source, store and registry
//   2. Start(ctx)  - launch Config.Workers goroutines
//   3. Cancel()    - flag a running job, optionally cancel its context
//   4. Stop(ctx)   - stop claiming, let running jobs finish until ctx ends,
//                    then abort them with ErrShutdown and wait
//
// Ownership:
//   execs holds at most one execution per job id. A redelivered job whose
//   previous execution is still running in this pool is skipped without an
//   ack; the original execution acks when it finishes.
//
// Abandoned jobs:
//   A job aborted by shutdown is neither written nor acked. Its record stays
//   STARTED/PROGRESS and recovery republishes it on the next start.
//
// ============================================================================

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

// ============================================================================
// Error definitions
// ============================================================================

var (
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolClosed is returned by Start after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// ============================================================================
// Data structures
// ============================================================================

// Pool owns the worker goroutines and the table of running executions.
type Pool struct {
	cfg      Config
	src      JobSource
	store    store.Store
	registry *registry.Registry
	observer Observer
	log      *slog.Logger

	workers  []*Worker
	resultCh chan Result
	wg       sync.WaitGroup

	runCtx     context.Context
	abort      context.CancelCauseFunc
	stopClaims context.CancelFunc

	mu      sync.Mutex
	execs   map[types.JobID]*execution
	started bool
	stopped bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithObserver reports execution events to o.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// NewPool returns a stopped pool.
func NewPool(cfg Config, src JobSource, st store.Store, reg *registry.Registry, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	p := &Pool{
		cfg:      cfg,
		src:      src,
		store:    st,
		registry: reg,
		observer: nopObserver{},
		log:      slog.Default(),
		resultCh: make(chan Result, max(64, cfg.Workers*16)),
		execs:    make(map[types.JobID]*execution),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "worker_pool")
	return p
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the workers. They run until Stop or until ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	p.runCtx, p.abort = context.WithCancelCause(ctx)
	claimCtx, stopClaims := context.WithCancel(p.runCtx)
	p.stopClaims = stopClaims

	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(claimCtx)
		}(w)
	}

	p.started = true
	p.log.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop stops claiming new jobs and waits for running ones. When ctx ends
// first, running handlers are cancelled with ErrShutdown and ctx.Err() is
// returned once they have exited.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopClaims()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.log.Warn("shutdown deadline reached, aborting running jobs", "running", p.Active())
		p.abort(ErrShutdown)
		<-done
		err = ctx.Err()
	}
	p.abort(ErrShutdown)
	close(p.resultCh)

	p.log.Info("worker pool stopped")
	return err
}

// ============================================================================
// Cancellation
// ============================================================================

// Cancel flags the running execution of id. With terminate the handler's
// context is cancelled too. It reports whether an execution was found.
func (p *Pool) Cancel(id types.JobID, terminate bool) bool {
	p.mu.Lock()
	e, ok := p.execs[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel(terminate)
	p.log.Info("job cancel requested", "job_id", id, "terminate", terminate)
	return true
}

// acquire registers e as the only execution of its job id.
func (p *Pool) acquire(e *execution) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.execs[e.id]; busy {
		return false
	}
	p.execs[e.id] = e
	return true
}

func (p *Pool) release(id types.JobID) {
	p.mu.Lock()
	delete(p.execs, id)
	p.mu.Unlock()
}

// ============================================================================
// Introspection
// ============================================================================

// Results delivers one Result per finished execution. Results are dropped
// when nobody reads and the buffer is full. The channel closes after Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Active returns the number of executions currently running.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.execs)
}

// WorkerCount returns the number of started workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded and Stop has not been called.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

func (p *Pool) publish(r Result) {
	select {
	case p.resultCh <- r:
	default:
	}
}

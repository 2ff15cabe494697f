// ============================================================================
// ttq Status Gateway
// ============================================================================
//
// Package: internal/gateway
// File: gateway.go
// Purpose: The four operations collaborators call: enqueue, status, revoke
//          and allowed. HTTP and gRPC surfaces are thin adapters over this.
//
// Enqueue:
//   registry check -> new uuid -> PENDING record -> Publish
//   Unknown names are rejected before an id exists. A closed broker removes
//   the PENDING record again so no orphaned id is ever observable.
//
// Status:
//   A non-blocking read of the store. result only on SUCCESS, error and
//   traceback only on FAILURE. Unknown and purged ids are both ErrNotFound.
//
// Revoke:
//   terminal     -> no write; true only when the job is already REVOKED
//   non-terminal -> compare-and-set REVOKED, then signal the executor
//   A revoke that loses the race against a SUCCESS/FAILURE write returns false.
//
// ============================================================================

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ttq-tasks/internal/broker"
	"github.com/ChuLiYu/ttq-tasks/internal/registry"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	// ErrNotFound is returned by Status and Revoke for unknown or purged ids.
	ErrNotFound = errors.New("task not found")
	// ErrChannelUnavailable is returned by Enqueue when the broker refuses jobs.
	ErrChannelUnavailable = errors.New("task channel unavailable")
)

// Publisher is the producer side of the broker.
type Publisher interface {
	Publish(ctx context.Context, job types.Job) error
}

// Canceller signals running executions. worker.Pool implements it.
type Canceller interface {
	Cancel(id types.JobID, terminate bool) bool
}

// Recorder receives gateway events. metrics.Collector implements it.
type Recorder interface {
	RecordSubmit(job string)
	RecordRevoke(accepted bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmit(string) {}
func (nopRecorder) RecordRevoke(bool)   {}

// StatusView is what status callers see.
type StatusView struct {
	ID          types.JobID    `json:"id"`
	State       types.State    `json:"state"`
	ProgressPct int            `json:"progress_pct"`
	Step        int            `json:"step"`
	Total       int            `json:"total"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Traceback   string         `json:"traceback,omitempty"`
}

// Gateway ties registry, broker, store and pool together.
type Gateway struct {
	registry  *registry.Registry
	store     store.Store
	publisher Publisher
	canceller Canceller
	recorder  Recorder
	log       *slog.Logger
	newID     func() types.JobID
	now       func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder reports submissions and revokes to r.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.log = l
		}
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(f func() types.JobID) Option {
	return func(g *Gateway) { g.newID = f }
}

// New returns a Gateway. canceller may be nil when no pool runs in this
// process; revokes then only flip the stored state and running handlers
// notice it at their next progress checkpoint.
func New(reg *registry.Registry, st store.Store, pub Publisher, c Canceller, opts ...Option) *Gateway {
	g := &Gateway{
		registry:  reg,
		store:     st,
		publisher: pub,
		canceller: c,
		recorder:  nopRecorder{},
		log:       slog.Default(),
		newID:     func() types.JobID { return types.JobID(uuid.NewString()) },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With("component", "gateway")
	return g
}

// Enqueue submits a job and returns its id.
func (g *Gateway) Enqueue(ctx context.Context, name string, kwargs map[string]any) (types.JobID, error) {
	if !g.registry.Has(name) {
		return "", fmt.Errorf("%w: %q", registry.ErrUnknownJob, name)
	}

	job := types.Job{
		ID:          g.newID(),
		Name:        name,
		Args:        types.Args(kwargs),
		SubmittedAt: g.now().UTC(),
	}
	if job.Args == nil {
		job.Args = types.Args{}
	}

	if _, err := g.store.Create(ctx, job); err != nil {
		return "", fmt.Errorf("gateway: record %s: %w", job.ID, err)
	}

	if err := g.publisher.Publish(ctx, job); err != nil {
		if derr := g.store.Delete(context.WithoutCancel(ctx), job.ID); derr != nil {
			g.log.Error("failed to drop unpublished job", "job_id", job.ID, "error", derr)
		}
		if errors.Is(err, broker.ErrClosed) {
			return "", fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
		}
		return "", fmt.Errorf("gateway: publish %s: %w", job.ID, err)
	}

	g.recorder.RecordSubmit(name)
	g.log.Info("task enqueued", "job_id", job.ID, "task_name", name)
	return job.ID, nil
}

// Status returns the current view of id.
func (g *Gateway) Status(ctx context.Context, id types.JobID) (StatusView, error) {
	st, err := g.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StatusView{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return StatusView{}, err
	}
	return View(st), nil
}

// View maps a stored record onto the public status shape.
func View(st types.JobState) StatusView {
	v := StatusView{
		ID:          st.JobID,
		State:       st.State,
		ProgressPct: st.ProgressPct,
		Step:        st.Step,
		Total:       st.Total,
	}

	switch st.State {
	case types.StateSuccess:
		v.Result = st.Result
		// A finished job always reads 100%; handlers may only restate step/total.
		v.ProgressPct = 100
		if p, ok := st.Result["progress"].(map[string]any); ok {
			a := types.Args(p)
			v.Step = a.Int("step", v.Step)
			v.Total = a.Int("total", v.Total)
		}
	case types.StateFailure:
		v.Error = st.Error
		v.Traceback = st.Trace
	}
	return v
}

// Revoke requests cancellation of id. It reports whether the job is
// REVOKED as a result of this call or was already.
func (g *Gateway) Revoke(ctx context.Context, id types.JobID, terminate bool) (bool, error) {
	cur, err := g.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return false, err
	}

	if cur.State.Terminal() {
		revoked := cur.State == types.StateRevoked
		g.recorder.RecordRevoke(revoked)
		return revoked, nil
	}

	stored, err := g.store.Put(ctx, types.JobState{JobID: id, State: types.StateRevoked})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTerminal):
		revoked := stored.State == types.StateRevoked
		g.recorder.RecordRevoke(revoked)
		return revoked, nil
	case errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return false, err
	}

	running := false
	if g.canceller != nil {
		running = g.canceller.Cancel(id, terminate)
	}
	g.recorder.RecordRevoke(true)
	g.log.Info("task revoked", "job_id", id, "terminate", terminate, "was_running", running)
	return true, nil
}

// Allowed returns the registered job names, sorted.
func (g *Gateway) Allowed() []string {
	return g.registry.Names()
}

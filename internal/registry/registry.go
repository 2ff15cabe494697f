// ============================================================================
// ttq Job Registry
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Static mapping from job name to handler.
//
// Lifecycle:
//   A Builder collects registrations at process start. Build() freezes them
//   into a Registry that is only ever read afterwards; the Registry is passed
//   by reference to the gateway and the worker pool instead of living in a
//   package-level variable.
//
// Handler contract:
//   handler(ctx, args, progress, cancel) -> (result, error)
//   - progress.Report(step, total) publishes PROGRESS and doubles as the
//     cancellation checkpoint: it returns ErrCancelled once a revoke arrived.
//   - cancel exposes the same flag read-only, for handlers that block on
//     something other than progress reporting.
//   - ctx is cancelled on forced termination, task timeout or shutdown.
//
// ============================================================================

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	// ErrUnknownJob is returned when a job name has no registered handler.
	ErrUnknownJob = errors.New("unknown job")
	// ErrCancelled is returned by Progress.Report once the job was revoked.
	// Handlers return it (or any error) to stop early.
	ErrCancelled = errors.New("job cancelled")
	// ErrInvalidProgress rejects negative step or total values.
	ErrInvalidProgress = errors.New("invalid progress values")
	// ErrDuplicateJob is returned when a name is registered twice.
	ErrDuplicateJob = errors.New("job already registered")
)

// Progress receives progress checkpoints from a running handler.
type Progress interface {
	Report(step, total int) error
}

// CancelSignal is the read-only cancellation token handed to a handler.
type CancelSignal interface {
	// Cancelled reports whether cancellation was requested.
	Cancelled() bool
	// Done is closed when cancellation is requested.
	Done() <-chan struct{}
}

// Handler executes a job.
type Handler func(ctx context.Context, args types.Args, progress Progress, cancel CancelSignal) (map[string]any, error)

// Builder collects handlers before the registry is frozen.
type Builder struct {
	handlers map[string]Handler
	err      error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{handlers: make(map[string]Handler)}
}

// Register associates name with handler. The first error encountered is
// kept and reported by Build.
func (b *Builder) Register(name string, handler Handler) *Builder {
	if b.err != nil {
		return b
	}
	switch {
	case name == "":
		b.err = errors.New("registry: empty job name")
	case handler == nil:
		b.err = fmt.Errorf("registry: nil handler for %q", name)
	default:
		if _, exists := b.handlers[name]; exists {
			b.err = fmt.Errorf("registry: %q: %w", name, ErrDuplicateJob)
			return b
		}
		b.handlers[name] = handler
	}
	return b
}

// Build freezes the registrations. The Builder must not be used afterwards.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}

	handlers := make(map[string]Handler, len(b.handlers))
	names := make([]string, 0, len(b.handlers))
	for name, h := range b.handlers {
		handlers[name] = h
		names = append(names, name)
	}
	sort.Strings(names)

	return &Registry{handlers: handlers, names: names}, nil
}

// Registry is the immutable name -> handler table. Safe for concurrent use
// because nothing writes to it after Build.
type Registry struct {
	handlers map[string]Handler
	names    []string
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

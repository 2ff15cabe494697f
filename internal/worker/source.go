// ============================================================================
// ttq Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: The slice of the broker a worker needs.
//
// The pool never publishes; it only claims, keeps the lease alive and acks.
// broker.Queue satisfies JobSource directly, tests substitute their own.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/ttq-tasks/internal/broker"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// JobSource hands leased jobs to workers.
type JobSource interface {
	// Claim blocks until a job is available or ctx ends.
	Claim(ctx context.Context) (*broker.Delivery, error)
	// Ack releases the lease once the job reached a terminal state.
	Ack(id types.JobID) error
	// Extend renews the lease while the handler is still running.
	Extend(id types.JobID) (time.Time, error)
}

var _ JobSource = (*broker.Queue)(nil)

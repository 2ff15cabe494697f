// ============================================================================
// ttq Broker Channel
// ============================================================================
//
// Package: internal/broker
// File: broker.go
// Purpose: Bounded FIFO hand-off from the gateway to the worker pool.
//
// Delivery model (at-least-once):
//   Publish  - append to the pending queue, blocking while it is full
//   Requeue  - append without the capacity check (restart recovery)
//   Claim    - pop the oldest pending job and lease it to the caller
//   Extend   - heartbeat, pushes the lease deadline forward
//   Ack      - the job reached a terminal state, forget it
//   ReapExpired - leases past their deadline go back to the FRONT of the
//                 queue; a crashed or stuck worker therefore loses the job
//                 to another worker instead of holding it forever
//
//   Pending    --Claim-->  Leased  --Ack-->  (gone)
//      ^                      |
//      +-----ReapExpired------+
//
// Capacity:
//   capacity bounds Publish only. Redelivered jobs are always accepted so a
//   full queue can never drop a job that was already admitted once.
//
// Wakeups:
//   notEmpty / notFull are 1-buffered signal channels. A waiter that makes
//   progress re-signals while the condition still holds, so coalesced
//   signals never strand a second waiter.
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	// ErrClosed is returned by Publish and Claim once the queue is closed.
	ErrClosed = errors.New("broker closed")
	// ErrUnknownLease is returned for Ack / Extend on a job the caller no
	// longer holds, typically because the lease expired and was reaped.
	ErrUnknownLease = errors.New("lease not held")
)

// DefaultCapacity is used when New receives a non-positive capacity.
const DefaultCapacity = 1024

// Delivery is a leased job handed to exactly one worker.
type Delivery struct {
	Job        types.Job
	Attempt    int // 1 on first delivery, incremented per redelivery
	LeaseUntil time.Time
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending  int `json:"pending"`
	Leased   int `json:"leased"`
	Capacity int `json:"capacity"`
}

type lease struct {
	job      types.Job
	deadline time.Time
}

// Queue is an in-process, bounded, lease-based job queue.
type Queue struct {
	mu           sync.Mutex
	pending      []types.Job
	leases       map[types.JobID]*lease
	attempts     map[types.JobID]int
	capacity     int
	leaseTimeout time.Duration
	closed       bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns an open queue. A zero leaseTimeout disables lease expiry.
func New(capacity int, leaseTimeout time.Duration, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue{
		leases:       make(map[types.JobID]*lease),
		attempts:     make(map[types.JobID]int),
		capacity:     capacity,
		leaseTimeout: leaseTimeout,
		notEmpty:     make(chan struct{}, 1),
		notFull:      make(chan struct{}, 1),
		done:         make(chan struct{}),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish appends job, waiting for room while the queue is full.
func (q *Queue) Publish(ctx context.Context, job types.Job) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if len(q.pending) < q.capacity {
			q.pending = append(q.pending, job)
			if len(q.pending) < q.capacity {
				signal(q.notFull)
			}
			signal(q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Requeue appends jobs that were admitted before, ignoring capacity.
// Recovery uses it to hand unfinished jobs back after a restart.
func (q *Queue) Requeue(jobs ...types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(jobs) == 0 {
		return nil
	}
	q.pending = append(q.pending, jobs...)
	signal(q.notEmpty)
	return nil
}

// Claim blocks until a job is available and leases it to the caller.
func (q *Queue) Claim(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending[0] = types.Job{}
			q.pending = q.pending[1:]

			q.attempts[job.ID]++
			l := &lease{job: job, deadline: q.deadline()}
			q.leases[job.ID] = l
			d := &Delivery{Job: job, Attempt: q.attempts[job.ID], LeaseUntil: l.deadline}

			if len(q.pending) > 0 {
				signal(q.notEmpty)
			}
			signal(q.notFull)
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack releases the lease on id for good.
func (q *Queue) Ack(id types.JobID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[id]; !ok {
		return ErrUnknownLease
	}
	delete(q.leases, id)
	delete(q.attempts, id)
	return nil
}

// Extend renews the lease on id and returns the new deadline.
func (q *Queue) Extend(id types.JobID) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[id]
	if !ok {
		return time.Time{}, ErrUnknownLease
	}
	l.deadline = q.deadline()
	return l.deadline, nil
}

// ReapExpired requeues every lease whose deadline passed before now and
// returns the affected ids.
func (q *Queue) ReapExpired(now time.Time) []types.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.leaseTimeout <= 0 {
		return nil
	}

	var (
		ids  []types.JobID
		jobs []types.Job
	)
	for id, l := range q.leases {
		if l.deadline.Before(now) {
			ids = append(ids, id)
			jobs = append(jobs, l.job)
			delete(q.leases, id)
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	q.pending = append(jobs, q.pending...)
	signal(q.notEmpty)
	return ids
}

// Stats reports queue depth and the number of outstanding leases.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Pending: len(q.pending), Leased: len(q.leases), Capacity: q.capacity}
}

// Close rejects further Publish and Claim calls and wakes every waiter.
// Pending jobs are dropped; their PENDING records in the result store are
// what recovery republishes on the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) deadline() time.Time {
	if q.leaseTimeout <= 0 {
		return time.Time{}
	}
	return q.now().Add(q.leaseTimeout)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore keeps job records in process memory.
//
// The map is guarded by an RWMutex and every record carries its own mutex,
// so writes to different jobs never contend and a Put on one job serializes
// only with other writes to the same job.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[types.JobID]*entry
	retention time.Duration
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

type entry struct {
	mu    sync.Mutex
	job   types.Job
	state types.JobState
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now. Tests use it to move through the retention
// window without sleeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty store that forgets terminal records after
// retention. A zero retention keeps them forever.
func NewMemoryStore(retention time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[types.JobID]*entry),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, job types.Job) (types.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.ID]; exists {
		return types.JobState{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	now := s.now()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	st := NewState(job, now)
	s.entries[job.ID] = &entry{job: job, state: st}
	return st.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id types.JobID) (types.JobState, error) {
	e := s.lookup(id)
	if e == nil {
		return types.JobState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Expired records read as absent even before the sweep removes them.
	if expired(e.state, s.now(), s.retention) {
		return types.JobState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.state.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, next types.JobState) (types.JobState, error) {
	e := s.lookup(next.JobID)
	if e == nil {
		return types.JobState{}, fmt.Errorf("%w: %s", ErrNotFound, next.JobID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, changed, err := Transition(e.state, next, s.now())
	if err != nil {
		return e.state.Clone(), err
	}
	if changed {
		e.state = out
	}
	return e.state.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		gone := expired(e.state, now, s.retention)
		e.mu.Unlock()
		if gone {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Unfinished(_ context.Context) ([]types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []types.Job
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.state.State.Terminal() {
			jobs = append(jobs, e.job)
		}
		e.mu.Unlock()
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *MemoryStore) Stats(_ context.Context) (map[types.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[types.State]int)
	for _, e := range s.entries {
		e.mu.Lock()
		stats[e.state.State]++
		e.mu.Unlock()
	}
	return stats, nil
}

// Job returns the submitted job behind id.
func (s *MemoryStore) Job(id types.JobID) (types.Job, error) {
	e := s.lookup(id)
	if e == nil {
		return types.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

func (s *MemoryStore) lookup(id types.JobID) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// ============================================================================
// Snapshot support
// ============================================================================

// Snapshot captures every record, job and state, ordered by submission time.
func (s *MemoryStore) Snapshot() types.SnapshotData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]types.Record, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		records = append(records, types.Record{Job: e.job, State: e.state.Clone()})
		e.mu.Unlock()
	}
	sortRecords(records)

	return types.SnapshotData{
		Records:   records,
		SchemaVer: types.SnapshotSchemaVersion,
		TakenAt:   s.now(),
	}
}

// Restore replaces the store contents with data. Records with an unknown
// state are rejected so a corrupt snapshot never half-loads.
func (s *MemoryStore) Restore(data types.SnapshotData) error {
	if data.SchemaVer != types.SnapshotSchemaVersion {
		return fmt.Errorf("store: unsupported snapshot schema %d", data.SchemaVer)
	}

	entries := make(map[types.JobID]*entry, len(data.Records))
	for _, r := range data.Records {
		if err := checkRecord(r); err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		entries[r.Job.ID] = &entry{job: r.Job, state: r.State.Clone()}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Apply inserts rec or overwrites the record with the same id, bypassing
// Transition. Journal replay uses it to reproduce writes already validated
// by a previous run.
func (s *MemoryStore) Apply(rec types.Record) error {
	if err := checkRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[rec.Job.ID]; ok {
		e.mu.Lock()
		e.job = rec.Job
		e.state = rec.State.Clone()
		e.mu.Unlock()
		return nil
	}
	s.entries[rec.Job.ID] = &entry{job: rec.Job, state: rec.State.Clone()}
	return nil
}

func checkRecord(r types.Record) error {
	if r.Job.ID == "" || r.Job.ID != r.State.JobID {
		return fmt.Errorf("store: record id mismatch %q/%q", r.Job.ID, r.State.JobID)
	}
	if !r.State.State.Valid() {
		return fmt.Errorf("store: record %s has state %q", r.Job.ID, r.State.State)
	}
	return nil
}

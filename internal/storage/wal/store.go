package wal

// ============================================================================
// Journaled memory store
// 職責：把 MemoryStore 的每次寫入記錄到 WAL，讓兩次快照之間的狀態在崩潰後可恢復
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// Store wraps a MemoryStore and appends every successful write to a WAL.
//
// Writes hold one mutex across the store call and the append, so the WAL
// order matches the order the store applied them. Reads go straight to the
// embedded MemoryStore. Retention purges are not journaled: a purged record
// that reappears on replay is expired and the next sweep drops it again.
//
// Writes are not journaled until Recover attaches a WAL.
type Store struct {
	*store.MemoryStore

	mu  sync.Mutex
	wal *WAL
}

var _ store.Store = (*Store)(nil)

// NewStore wraps mem.
func NewStore(mem *store.MemoryStore) *Store {
	return &Store{MemoryStore: mem}
}

// Recover replays w onto the store starting after afterSeq and starts
// journaling to w. It returns the number of events applied.
func (s *Store) Recover(w *WAL, afterSeq uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := w.Replay(afterSeq, s.apply)
	if err != nil {
		return n, fmt.Errorf("wal: replay: %w", err)
	}
	s.wal = w
	return n, nil
}

// Journal returns the attached WAL or nil.
func (s *Store) Journal() *WAL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wal
}

func (s *Store) apply(event Event) error {
	switch event.Type {
	case EventCreate, EventUpdate:
		dec := json.NewDecoder(bytes.NewReader(event.Payload))
		dec.UseNumber()
		var rec types.Record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("seq=%d: decode record: %w", event.Seq, err)
		}
		if err := s.MemoryStore.Apply(rec); err != nil {
			return fmt.Errorf("seq=%d: %w", event.Seq, err)
		}
	case EventDelete:
		err := s.MemoryStore.Delete(context.Background(), event.JobID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seq=%d: %w", event.Seq, err)
		}
	default:
		return fmt.Errorf("seq=%d: unknown event type %q", event.Seq, event.Type)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, job types.Job) (types.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.MemoryStore.Create(ctx, job)
	if err != nil {
		return st, err
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = st.SubmittedAt
	}
	if err := s.record(EventCreate, job.ID, &types.Record{Job: job, State: st}); err != nil {
		// 未寫入 WAL 的任務不可留在 store 中，否則下次快照會把它帶回來
		if derr := s.MemoryStore.Delete(ctx, job.ID); derr != nil {
			err = errors.Join(err, derr)
		}
		return types.JobState{}, err
	}
	return st, nil
}

func (s *Store) Put(ctx context.Context, next types.JobState) (types.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.MemoryStore.Put(ctx, next)
	if err != nil {
		return st, err
	}
	job, err := s.MemoryStore.Job(next.JobID)
	if err != nil {
		return st, err
	}
	return st, s.record(EventUpdate, next.JobID, &types.Record{Job: job, State: st})
}

func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.MemoryStore.Delete(ctx, id); err != nil {
		return err
	}
	return s.record(EventDelete, id, nil)
}

func (s *Store) record(t EventType, id types.JobID, payload any) error {
	if s.wal == nil {
		return nil
	}
	_, err := s.wal.Append(t, id, payload)
	return err
}

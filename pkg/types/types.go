// Package types defines the domain model shared by the ttq task service:
// jobs, their argument bags and the per-job state record.
package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// JobID is the globally unique job identifier assigned at submission.
type JobID string

// State is the lifecycle state of a job.
type State string

const (
	StatePending  State = "PENDING"  // submitted, not yet claimed by a worker
	StateStarted  State = "STARTED"  // claimed, handler running
	StateProgress State = "PROGRESS" // handler reported progress at least once
	StateSuccess  State = "SUCCESS"  // handler returned a result
	StateFailure  State = "FAILURE"  // handler returned an error, panicked or timed out
	StateRevoked  State = "REVOKED"  // cancelled before reaching another terminal state
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// Running reports whether a worker currently owns the job.
func (s State) Running() bool {
	return s == StateStarted || s == StateProgress
}

// Valid reports whether s is one of the six known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateStarted, StateProgress, StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// Job is a unit of work. It is immutable once created.
type Job struct {
	ID          JobID     `json:"id"`
	Name        string    `json:"name"`
	Args        Args      `json:"args"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// JobState is the single record the result store keeps per job id.
type JobState struct {
	JobID       JobID          `json:"job_id"`
	Name        string         `json:"name"`
	State       State          `json:"state"`
	Step        int            `json:"step"`
	Total       int            `json:"total"`
	ProgressPct int            `json:"progress_pct"`
	Result      map[string]any `json:"result,omitempty"` // SUCCESS only
	Error       string         `json:"error,omitempty"`  // FAILURE only
	Trace       string         `json:"trace,omitempty"`  // FAILURE only
	Attempt     int            `json:"attempt"`          // number of times a worker started the job
	SubmittedAt time.Time      `json:"submitted_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable maps with s.
func (s JobState) Clone() JobState {
	if s.Result != nil {
		s.Result = maps.Clone(s.Result)
	}
	return s
}

// Record pairs a job with its current state. Snapshots and recovery use it.
type Record struct {
	Job   Job      `json:"job"`
	State JobState `json:"state"`
}

// SnapshotSchemaVersion is the only SnapshotData layout this build reads.
const SnapshotSchemaVersion = 1

// SnapshotData is the persisted form of an in-memory result store.
type SnapshotData struct {
	Records   []Record  `json:"records"`
	SchemaVer int       `json:"schema_ver"`
	TakenAt   time.Time `json:"taken_at"`
	WALSeq    uint64    `json:"wal_seq,omitempty"` // last journal event already reflected in Records
}

// ============================================================================
// Args
// ============================================================================

// Args is the keyword-argument bag of a job. Values are JSON-like: strings,
// numbers, booleans, nil, nested maps and slices.
type Args map[string]any

// String returns the value under key rendered as a string, or def when absent.
func (a Args) String(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the value under key as an int. Floats are truncated and numeric
// strings are parsed; anything else yields def.
func (a Args) Int(key string, def int) int {
	f, ok := a.number(key)
	if !ok {
		return def
	}
	return int(f)
}

// Float returns the value under key as a float64, or def.
func (a Args) Float(key string, def float64) float64 {
	f, ok := a.number(key)
	if !ok {
		return def
	}
	return f
}

// Bool returns the value under key as a bool, or def.
func (a Args) Bool(key string, def bool) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func (a Args) number(key string) (float64, bool) {
	switch v := a[key].(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

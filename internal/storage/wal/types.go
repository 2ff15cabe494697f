package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate EventType = "CREATE" // Job recorded as PENDING
	EventUpdate EventType = "UPDATE" // Job state written (start, progress, result, revoke)
	EventDelete EventType = "DELETE" // Record removed
)

// Event represents a WAL event record
//
// Payload holds the full record after the write (types.Record) for CREATE
// and UPDATE and is empty for DELETE. Replaying events in order therefore
// converges on the latest state no matter where replay starts.
type Event struct {
	Seq       uint64          `json:"seq"`               // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`              // Event type
	JobID     types.JobID     `json:"job_id"`            // Job ID
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload,omitempty"` // Record after the write
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

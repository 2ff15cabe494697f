package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

var (
	// ErrTaskTimeout is the context cause when a handler exceeds TaskTimeout.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTerminated is the context cause for revoke with terminate=true.
	ErrTerminated = errors.New("task terminated")
	// ErrShutdown is the context cause when Stop gives up waiting.
	ErrShutdown = errors.New("worker pool shutting down")
)

// Config controls pool size and per-execution limits.
type Config struct {
	Workers           int           // number of concurrent executors
	TaskTimeout       time.Duration // 0 disables the limit
	HeartbeatInterval time.Duration // lease renewal period, 0 disables heartbeats
}

// Observer receives execution events. metrics.Collector implements it.
type Observer interface {
	JobStarted(name string)
	JobFinished(name string, state types.State, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobStarted(string)                             {}
func (nopObserver) JobFinished(string, types.State, time.Duration) {}

// Result is what a single execution ended with.
type Result struct {
	JobID    types.JobID
	State    types.State // SUCCESS, FAILURE or REVOKED; empty when abandoned
	Error    error
	Duration time.Duration
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

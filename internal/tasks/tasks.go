// Package tasks holds the built-in job handlers served by ttq.
package tasks

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/ttq-tasks/internal/registry"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

const (
	NamePing     = "ping"
	NameLongDemo = "long_demo"
)

// Register adds every built-in handler to b.
func Register(b *registry.Builder) *registry.Builder {
	return b.
		Register(NamePing, Ping).
		Register(NameLongDemo, LongDemo)
}

// Default returns a registry holding only the built-in handlers.
func Default() (*registry.Registry, error) {
	return Register(registry.NewBuilder()).Build()
}

// Ping acknowledges immediately.
func Ping(context.Context, types.Args, registry.Progress, registry.CancelSignal) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}

// LongDemo echoes its text after `steps` delayed steps, reporting progress
// after each one.
//
// kwargs: text (string), steps (int, default 3, minimum 1),
// delay (seconds between steps, default 0.5).
func LongDemo(ctx context.Context, args types.Args, progress registry.Progress, cancel registry.CancelSignal) (map[string]any, error) {
	text := args.String("text", "")
	steps := max(1, args.Int("steps", 3))
	delay := time.Duration(max(0, args.Float("delay", 0.5)) * float64(time.Second))

	for i := 1; i <= steps; i++ {
		if err := wait(ctx, cancel, delay); err != nil {
			return nil, err
		}
		if err := progress.Report(i, steps); err != nil {
			return nil, err
		}
	}

	return map[string]any{
		"original": text,
		"length":   utf8.RuneCountInString(text),
		"echo":     fmt.Sprintf("Processed '%s' in %d steps", text, steps),
		"progress": map[string]any{"step": steps, "total": steps, "progress_pct": 100},
	}, nil
}

// wait sleeps for d unless the job is cancelled or its context ends first.
func wait(ctx context.Context, cancel registry.CancelSignal, d time.Duration) error {
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-cancel.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if cancel.Cancelled() {
		return registry.ErrCancelled
	}
	return ctx.Err()
}

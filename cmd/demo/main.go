package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/ttq-tasks/internal/config"
	"github.com/ChuLiYu/ttq-tasks/internal/controller"
	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/internal/logger"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/internal/tasks"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Log.Level = "warn"
	slogger := logger.Setup(cfg.Log, "ttq-demo")

	reg, err := tasks.Default()
	if err != nil {
		log.Fatalf("Failed to build registry: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemoryStore(cfg.Store.Retention)
	ctrl := controller.New(controller.FromConfig(cfg), reg, st, controller.WithLogger(slogger))
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	defer func() {
		if err := ctrl.Stop(context.Background()); err != nil {
			log.Printf("Stop: %v", err)
		}
		fmt.Println("✓ Controller stopped")
	}()

	fmt.Printf("✓ Controller started (mode: %s)\n", mode)
	gw := ctrl.Gateway()

	switch mode {
	case "start":
		var ids []types.JobID
		for i := 1; i <= 5; i++ {
			id, err := gw.Enqueue(ctx, tasks.NameLongDemo, map[string]any{
				"text":  fmt.Sprintf("job_%d", i),
				"steps": 10,
				"delay": 0.3,
			})
			if err != nil {
				log.Fatalf("Failed to enqueue: %v", err)
			}
			ids = append(ids, id)
		}
		fmt.Printf("✓ Enqueued %d long_demo tasks\n", len(ids))
		fmt.Printf("💡 Press Ctrl+C while they run, then `go run ./cmd/demo recover`\n\n")

		// revoke the last one halfway through
		time.AfterFunc(1500*time.Millisecond, func() {
			ok, err := gw.Revoke(context.Background(), ids[len(ids)-1], false)
			fmt.Printf("↯ revoke %s: %v %v\n", ids[len(ids)-1], ok, err)
		})
		watch(ctx, gw, ids)

	case "recover":
		status, err := ctrl.GetStatus(ctx)
		if err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
		fmt.Printf("\n📊 Status after recovery: %v\n", status)
		<-ctx.Done()

	default:
		log.Fatalf("unknown mode %q", mode)
	}
}

// watch prints one progress line per task until all are terminal.
func watch(ctx context.Context, gw *gateway.Gateway, ids []types.JobID) {
	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()

	for {
		done := 0
		for _, id := range ids {
			v, err := gw.Status(ctx, id)
			if err != nil {
				fmt.Printf("  %s: %v\n", id, err)
				continue
			}
			fmt.Printf("  %.8s %-8s %3d%%\n", id, v.State, v.ProgressPct)
			if v.State.Terminal() {
				done++
			}
		}
		fmt.Println()
		if done == len(ids) {
			return
		}

		select {
		case <-ctx.Done():
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			return
		case <-ticker.C:
		}
	}
}

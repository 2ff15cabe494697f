// ============================================================================
// ttq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running the service and talking to it
//
// Command Structure:
//   ttq                            # Root command
//   ├── run                        # Start HTTP + gRPC service and workers
//   │   └── --config, -c          # Specify config file
//   ├── enqueue NAME               # Submit a task
//   │   ├── --kwargs '{"k": 1}'   # Keyword arguments as JSON
//   │   └── --file, -f            # Batch submit from a JSON file
//   ├── status ID                  # Show task status
//   │   └── --watch, -w           # Poll until the task finishes
//   ├── revoke ID                  # Cancel a task
//   │   └── --terminate           # Also cancel the handler's context
//   ├── tasks                      # List accepted task names
//   ├── wal                        # Inspect the store journal offline
//   │   ├── dump [PATH]           # Print one line per event
//   │   └── verify [PATH]         # Check checksums and ordering
//   └── --addr                     # gRPC address for client commands
//
// run Command:
//   1. Load config (YAML + TTQ_* env)
//   2. Open the result store (memory or postgres)
//   3. Create and start Controller (snapshot restore, redelivery)
//   4. Serve HTTP API, /metrics and gRPC
//   5. On SIGINT/SIGTERM shut everything down in reverse order
//
// enqueue --file format:
//   [
//     {"task_name": "long_demo", "kwargs": {"text": "a", "steps": 3}},
//     {"task_name": "ping"}
//   ]
//
// ============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/ttq-tasks/internal/api"
	"github.com/ChuLiYu/ttq-tasks/internal/config"
	"github.com/ChuLiYu/ttq-tasks/internal/controller"
	"github.com/ChuLiYu/ttq-tasks/internal/logger"
	"github.com/ChuLiYu/ttq-tasks/internal/metrics"
	"github.com/ChuLiYu/ttq-tasks/internal/server"
	"github.com/ChuLiYu/ttq-tasks/internal/storage/wal"
	"github.com/ChuLiYu/ttq-tasks/internal/store"
	"github.com/ChuLiYu/ttq-tasks/internal/tasks"
	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

type options struct {
	configFile string
	addr       string
	timeout    time.Duration
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "ttq",
		Short: "ttq: an asynchronous task execution service",
		Long: `ttq runs named background tasks and reports their progress:
- enqueue / status / revoke over HTTP and gRPC
- bounded in-process broker with leases
- PENDING, STARTED, PROGRESS, SUCCESS, FAILURE, REVOKED lifecycle
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:50051", "gRPC address of a running ttq service")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for client calls")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildRevokeCommand(opts))
	rootCmd.AddCommand(buildTasksCommand(opts))
	rootCmd.AddCommand(buildWALCommand(opts))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the ttq service",
		Long:  "Start workers, the HTTP API and the gRPC TaskService",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg)
		},
	}
}

// runService blocks until ctx is cancelled, then shuts down gracefully.
func runService(ctx context.Context, cfg *config.Config) error {
	log := logger.Setup(cfg.Log, cfg.App.Name)
	log.Info("Starting ttq", "env", cfg.App.Env, "workers", cfg.Worker.Count, "store", cfg.Store.Driver)

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, err := tasks.Default()
	if err != nil {
		return fmt.Errorf("failed to build task registry: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg)

	ctrl := controller.New(controller.FromConfig(cfg), reg, st,
		controller.WithLogger(log), controller.WithMetrics(collector))
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	errCh := make(chan error, 3)
	var shutdowns []func(context.Context)

	if cfg.HTTP.Enabled {
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
			metricsHandler = metrics.Handler(promReg)
		}
		httpSrv := &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      api.NewRouter(api.NewTaskHandler(ctrl.Gateway(), log), metricsHandler, log),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		}
		go func() {
			log.Info("HTTP server listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
		shutdowns = append(shutdowns, func(ctx context.Context) { _ = httpSrv.Shutdown(ctx) })
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(promReg))
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		shutdowns = append(shutdowns, func(ctx context.Context) { _ = metricsSrv.Shutdown(ctx) })
	}

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			_ = ctrl.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		grpcSrv := server.New(ctrl.Gateway(), log)
		go func() {
			log.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		shutdowns = append(shutdowns, func(context.Context) { grpcSrv.GracefulStop() })
	}

	log.Info("System started successfully")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, stopping gracefully...")
	case runErr = <-errCh:
		log.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	for i := len(shutdowns) - 1; i >= 0; i-- {
		shutdowns[i](shutdownCtx)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		log.Warn("controller stopped with error", "error", err)
	}

	log.Info("System stopped. Goodbye!")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		db, err := store.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(db, cfg.Store.Retention, log)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		return store.NewMemoryStore(cfg.Store.Retention), func() {}, nil
	}
}

// ============================================================================
// Client commands
// ============================================================================

func withClient(opts *options, fn func(ctx context.Context, c *server.Client) error) error {
	c, err := server.Dial(opts.addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	return fn(ctx, c)
}

type submission struct {
	TaskName string         `json:"task_name"`
	Kwargs   map[string]any `json:"kwargs"`
}

func buildEnqueueCommand(opts *options) *cobra.Command {
	var (
		kwargs  string
		jobFile string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [NAME]",
		Short: "Submit a task",
		Long:  "Submit one task by name, or a batch of tasks from a JSON file with --file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := submissions(args, kwargs, jobFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return withClient(opts, func(ctx context.Context, c *server.Client) error {
				ok := 0
				for _, s := range subs {
					id, err := c.Enqueue(ctx, s.TaskName, s.Kwargs)
					if err != nil {
						if len(subs) == 1 {
							return err
						}
						fmt.Fprintf(cmd.ErrOrStderr(), "failed to submit %s: %v\n", s.TaskName, err)
						continue
					}
					fmt.Fprintln(out, id)
					ok++
				}
				if ok < len(subs) {
					return fmt.Errorf("submitted %d/%d tasks", ok, len(subs))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kwargs, "kwargs", "", `keyword arguments as a JSON object, e.g. '{"text":"hi"}'`)
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing a list of submissions")
	return cmd
}

func submissions(args []string, kwargs, jobFile string) ([]submission, error) {
	if jobFile != "" {
		if len(args) > 0 {
			return nil, errors.New("use either NAME or --file, not both")
		}
		data, err := os.ReadFile(jobFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read job file: %w", err)
		}
		var subs []submission
		if err := decodeJSON(data, &subs); err != nil {
			return nil, fmt.Errorf("failed to parse job file: %w", err)
		}
		return subs, nil
	}

	if len(args) == 0 {
		return nil, errors.New("task name is required (or use --file)")
	}
	s := submission{TaskName: args[0]}
	if kwargs != "" {
		if err := decodeJSON([]byte(kwargs), &s.Kwargs); err != nil {
			return nil, fmt.Errorf("invalid --kwargs: %w", err)
		}
	}
	return []submission{s}, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func buildStatusCommand(opts *options) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show task status",
		Long:  "Print the status of a task as JSON. With --watch, print progress until it finishes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := types.JobID(args[0])
			out := cmd.OutOrStdout()

			if !watch {
				return withClient(opts, func(ctx context.Context, c *server.Client) error {
					v, err := c.Status(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(out, v)
				})
			}

			c, err := server.Dial(opts.addr)
			if err != nil {
				return err
			}
			defer c.Close()
			return watchStatus(cmd.Context(), c, id, interval, opts.timeout, out)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "poll until the task reaches a terminal state")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval for --watch")
	return cmd
}

type statusClient interface {
	Status(ctx context.Context, id types.JobID) (server.StatusResponse, error)
}

func watchStatus(ctx context.Context, c statusClient, id types.JobID, interval, timeout time.Duration, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		v, err := c.Status(callCtx, id)
		cancel()
		if err != nil {
			return err
		}

		line := fmt.Sprintf("%-8s %3d%% (%d/%d)", v.State, v.ProgressPct, v.Step, v.Total)
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		if v.State.Terminal() {
			return printJSON(out, v)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildRevokeCommand(opts *options) *cobra.Command {
	var terminate bool

	cmd := &cobra.Command{
		Use:   "revoke ID",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *server.Client) error {
				revoked, err := c.Revoke(ctx, types.JobID(args[0]), terminate)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), server.RevokeResponse{TaskID: types.JobID(args[0]), Revoked: revoked})
			})
		},
	}

	cmd.Flags().BoolVar(&terminate, "terminate", false, "also cancel the running handler's context")
	return cmd
}

func buildTasksCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List accepted task names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *server.Client) error {
				names, err := c.Allowed(ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the store journal",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump [PATH]",
		Short: "Print every journal event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(opts, args)
			if err != nil {
				return err
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify [PATH]",
		Short: "Check journal checksums and sequence order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(opts, args)
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(path); err != nil {
				return err
			}
			n, err := wal.CountEvents(path)
			if err != nil {
				return err
			}
			var last uint64
			if ev, err := wal.GetLastEvent(path); err == nil && ev != nil {
				last = ev.Seq
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d events, last seq %d\n", path, n, last)
			return nil
		},
	})
	return cmd
}

// walPath returns the explicit argument or the configured journal path.
func walPath(opts *options, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return "", err
	}
	return cfg.WAL.Path, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

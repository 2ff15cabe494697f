// ============================================================================
// ttq Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML configuration with defaults, TTQ_* environment overrides and
//          validation.
//
// Precedence (lowest first):
//   Default() -> YAML file -> TTQ_* environment variables
//
// A missing file is not an error when the path is the default one; Load is
// then driven by defaults and the environment alone.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "configs/default.yaml"

// Config holds all service configuration.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Worker   WorkerConfig   `yaml:"worker"`
	Broker   BrokerConfig   `yaml:"broker"`
	Store    StoreConfig    `yaml:"store"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	WAL      WALConfig      `yaml:"wal"`
}

type AppConfig struct {
	Name string `yaml:"name" validate:"required"`
	Env  string `yaml:"env" validate:"oneof=development production test"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

type HTTPConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr" validate:"required_if=Enabled true"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// MetricsConfig controls the /metrics endpoint. It is served on the HTTP
// listener; a non-empty Addr adds a dedicated listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type WorkerConfig struct {
	Count             int           `yaml:"count" validate:"gte=1,lte=1024"`
	TaskTimeout       time.Duration `yaml:"task_timeout" validate:"gte=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type BrokerConfig struct {
	Capacity     int           `yaml:"capacity" validate:"gte=1"`
	LeaseTimeout time.Duration `yaml:"lease_timeout" validate:"gte=0"`
	ReapInterval time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

type StoreConfig struct {
	Driver        string        `yaml:"driver" validate:"oneof=memory postgres"`
	DatabaseURL   string        `yaml:"database_url" validate:"required_if=Driver postgres"`
	Retention     time.Duration `yaml:"retention" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

type SnapshotConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path" validate:"required_if=Enabled true"`
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// WALConfig journals memory-store writes between snapshots.
type WALConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path" validate:"required_if=Enabled true"`
	SyncOnAppend bool   `yaml:"sync_on_append"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		App:     AppConfig{Name: "ttq", Env: "development"},
		Log:     LogConfig{Level: "info", Format: "text"},
		HTTP:    HTTPConfig{Enabled: true, Addr: ":8000", ReadTimeout: 10 * time.Second, WriteTimeout: 30 * time.Second, ShutdownTimeout: 10 * time.Second},
		GRPC:    GRPCConfig{Enabled: true, Addr: ":50051"},
		Metrics: MetricsConfig{Enabled: true},
		Worker: WorkerConfig{
			Count:             4,
			TaskTimeout:       10 * time.Minute,
			HeartbeatInterval: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Broker:   BrokerConfig{Capacity: 1024, LeaseTimeout: 30 * time.Second, ReapInterval: time.Second},
		Store:    StoreConfig{Driver: "memory", Retention: 24 * time.Hour, SweepInterval: time.Minute},
		Snapshot: SnapshotConfig{Enabled: true, Path: "data/snapshot.json", Interval: 30 * time.Second},
		WAL:      WALConfig{Enabled: true, Path: "data/ttq.wal"},
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ============================================================================
// Environment overrides
// ============================================================================

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from TTQ_* variables. DATABASE_URL is accepted as an
// alias for the store URL; TTQ_STORE_DATABASE_URL wins when both are set.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("TTQ_APP_ENV", &cfg.App.Env)
	e.str("TTQ_LOG_LEVEL", &cfg.Log.Level)
	e.str("TTQ_LOG_FORMAT", &cfg.Log.Format)

	e.boolean("TTQ_HTTP_ENABLED", &cfg.HTTP.Enabled)
	e.str("TTQ_HTTP_ADDR", &cfg.HTTP.Addr)
	e.boolean("TTQ_GRPC_ENABLED", &cfg.GRPC.Enabled)
	e.str("TTQ_GRPC_ADDR", &cfg.GRPC.Addr)
	e.boolean("TTQ_METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.str("TTQ_METRICS_ADDR", &cfg.Metrics.Addr)

	e.integer("TTQ_WORKER_COUNT", &cfg.Worker.Count)
	e.duration("TTQ_WORKER_TASK_TIMEOUT", &cfg.Worker.TaskTimeout)

	e.integer("TTQ_BROKER_CAPACITY", &cfg.Broker.Capacity)
	e.duration("TTQ_BROKER_LEASE_TIMEOUT", &cfg.Broker.LeaseTimeout)

	e.str("TTQ_STORE_DRIVER", &cfg.Store.Driver)
	e.str("DATABASE_URL", &cfg.Store.DatabaseURL)
	e.str("TTQ_STORE_DATABASE_URL", &cfg.Store.DatabaseURL)
	e.duration("TTQ_STORE_RETENTION", &cfg.Store.Retention)

	e.boolean("TTQ_SNAPSHOT_ENABLED", &cfg.Snapshot.Enabled)
	e.str("TTQ_SNAPSHOT_PATH", &cfg.Snapshot.Path)
	e.duration("TTQ_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	e.boolean("TTQ_WAL_ENABLED", &cfg.WAL.Enabled)
	e.str("TTQ_WAL_PATH", &cfg.WAL.Path)
	e.boolean("TTQ_WAL_SYNC", &cfg.WAL.SyncOnAppend)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

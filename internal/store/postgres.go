package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/ChuLiYu/ttq-tasks/pkg/types"
)

// PostgreSQL error codes
const pgUniqueViolationCode = "23505"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_states (
	job_id       TEXT PRIMARY KEY,
	name         TEXT        NOT NULL,
	args         JSONB       NOT NULL DEFAULT '{}',
	state        TEXT        NOT NULL,
	step         INTEGER     NOT NULL DEFAULT 0,
	total        INTEGER     NOT NULL DEFAULT 0,
	progress_pct INTEGER     NOT NULL DEFAULT 0,
	result       JSONB,
	error        TEXT        NOT NULL DEFAULT '',
	trace        TEXT        NOT NULL DEFAULT '',
	attempt      INTEGER     NOT NULL DEFAULT 0,
	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_states_state_updated_idx ON task_states (state, updated_at);
`

const selectColumns = `job_id, name, state, step, total, progress_pct, result, error, trace, attempt, submitted_at, updated_at`

// PostgresStore keeps job records in a PostgreSQL table so that several
// processes can share one result store.
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects through the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStore wraps an open database. If logger is nil, slog.Default is used.
func NewPostgresStore(db *sql.DB, retention time.Duration, logger *slog.Logger) *PostgresStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:        db,
		retention: retention,
		logger:    logger.With(slog.String("component", "postgres_store")),
		now:       time.Now,
	}
}

// EnsureSchema creates the task_states table when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, job types.Job) (types.JobState, error) {
	now := s.now().UTC()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = now
	}
	st := NewState(job, now)

	args, err := json.Marshal(job.Args)
	if err != nil {
		return types.JobState{}, fmt.Errorf("store: encode args for %s: %w", job.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_states (job_id, name, args, state, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(job.ID), job.Name, args, string(st.State), st.SubmittedAt, st.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			return types.JobState{}, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		s.logger.Error("failed to create job state",
			slog.String("error", err.Error()),
			slog.String("job_id", string(job.ID)))
		return types.JobState{}, err
	}
	return st, nil
}

func (s *PostgresStore) Get(ctx context.Context, id types.JobID) (types.JobState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM task_states WHERE job_id = $1`, string(id))
	st, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.JobState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return types.JobState{}, err
	}
	if expired(st, s.now(), s.retention) {
		return types.JobState{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st, nil
}

// Put runs Transition inside a transaction holding the row lock, which gives
// the same compare-and-set guarantee as the in-memory per-job mutex.
func (s *PostgresStore) Put(ctx context.Context, next types.JobState) (out types.JobState, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.JobState{}, fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM task_states WHERE job_id = $1 FOR UPDATE`, string(next.JobID))
	cur, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.JobState{}, fmt.Errorf("%w: %s", ErrNotFound, next.JobID)
		}
		return types.JobState{}, err
	}

	out, changed, err := Transition(cur, next, s.now().UTC())
	if err != nil {
		return cur, err
	}
	if !changed {
		return cur, tx.Commit()
	}

	var result []byte
	if out.Result != nil {
		if result, err = json.Marshal(out.Result); err != nil {
			return cur, fmt.Errorf("store: encode result for %s: %w", out.JobID, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE task_states
		SET state = $2, step = $3, total = $4, progress_pct = $5, result = $6,
		    error = $7, trace = $8, attempt = $9, updated_at = $10
		WHERE job_id = $1`,
		string(out.JobID), string(out.State), out.Step, out.Total, out.ProgressPct, result,
		out.Error, out.Trace, out.Attempt, out.UpdatedAt,
	)
	if err != nil {
		return cur, fmt.Errorf("store: update %s: %w", out.JobID, err)
	}
	if err = tx.Commit(); err != nil {
		return cur, fmt.Errorf("store: commit %s: %w", out.JobID, err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id types.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_states WHERE job_id = $1`, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_states
		WHERE state IN ($1, $2, $3) AND updated_at < $4`,
		string(types.StateSuccess), string(types.StateFailure), string(types.StateRevoked),
		now.Add(-s.retention),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) Unfinished(ctx context.Context) ([]types.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, args, submitted_at FROM task_states
		WHERE state IN ($1, $2, $3)
		ORDER BY submitted_at, job_id`,
		string(types.StatePending), string(types.StateStarted), string(types.StateProgress),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		var (
			job  types.Job
			id   string
			args []byte
		)
		if err := rows.Scan(&id, &job.Name, &args, &job.SubmittedAt); err != nil {
			return nil, err
		}
		job.ID = types.JobID(id)
		if len(args) > 0 {
			if err := decodeJSON(args, &job.Args); err != nil {
				return nil, fmt.Errorf("store: decode args for %s: %w", id, err)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (map[types.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM task_states GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[types.State]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats[types.State(state)] = n
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (types.JobState, error) {
	var (
		st     types.JobState
		id     string
		state  string
		result []byte
	)
	err := row.Scan(&id, &st.Name, &state, &st.Step, &st.Total, &st.ProgressPct,
		&result, &st.Error, &st.Trace, &st.Attempt, &st.SubmittedAt, &st.UpdatedAt)
	if err != nil {
		return types.JobState{}, err
	}
	st.JobID = types.JobID(id)
	st.State = types.State(state)
	if len(result) > 0 {
		if err := decodeJSON(result, &st.Result); err != nil {
			return types.JobState{}, fmt.Errorf("store: decode result for %s: %w", id, err)
		}
	}
	return st, nil
}

// decodeJSON keeps JSONB numbers as json.Number so integers round-trip exactly.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/auralis-ai/auralis/internal/harness"
)

// DB is the subset of pgx used by [PostgresStore]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema holds the DDL for the harness tables. Records are stored as
// JSONB payloads keyed by id; the columns pulled out alongside exist for
// indexing and filtering only.
const Schema = `
CREATE TABLE IF NOT EXISTS harness_suites (
	id      TEXT PRIMARY KEY,
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS harness_runs (
	id         TEXT PRIMARY KEY,
	suite_id   TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS harness_runs_suite_idx ON harness_runs (suite_id, started_at DESC);

CREATE TABLE IF NOT EXISTS harness_baselines (
	id      TEXT PRIMARY KEY,
	payload JSONB NOT NULL
);
`

// Migrate applies [Schema]. Idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("applying harness schema: %w", err)
	}
	return nil
}

// PostgresStore persists harness records in PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ harness.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. Call [Migrate] first on fresh databases.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// PutSuite implements [harness.Store].
func (s *PostgresStore) PutSuite(ctx context.Context, suite harness.TestSuiteDefinition) error {
	payload, err := json.Marshal(suite)
	if err != nil {
		return fmt.Errorf("encoding suite %s: %w", suite.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO harness_suites (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		suite.ID, payload)
	if err != nil {
		return fmt.Errorf("storing suite %s: %w", suite.ID, err)
	}
	return nil
}

// GetSuite implements [harness.Store].
func (s *PostgresStore) GetSuite(ctx context.Context, id string) (harness.TestSuiteDefinition, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM harness_suites WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return harness.TestSuiteDefinition{}, fmt.Errorf("suite %s: %w", id, harness.ErrNotFound)
	}
	if err != nil {
		return harness.TestSuiteDefinition{}, fmt.Errorf("loading suite %s: %w", id, err)
	}
	var suite harness.TestSuiteDefinition
	if err := json.Unmarshal(payload, &suite); err != nil {
		return harness.TestSuiteDefinition{}, fmt.Errorf("decoding suite %s: %w", id, err)
	}
	return suite, nil
}

// ListSuites implements [harness.Store].
func (s *PostgresStore) ListSuites(ctx context.Context) ([]harness.TestSuiteDefinition, error) {
	rows, err := s.db.Query(ctx, `SELECT payload FROM harness_suites ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing suites: %w", err)
	}
	return collectPayloads[harness.TestSuiteDefinition](rows)
}

// PutRun implements [harness.Store].
func (s *PostgresStore) PutRun(ctx context.Context, run harness.TestRun) error {
	return s.upsertRun(ctx, run, false)
}

// UpdateRun implements [harness.Store].
func (s *PostgresStore) UpdateRun(ctx context.Context, run harness.TestRun) error {
	return s.upsertRun(ctx, run, true)
}

func (s *PostgresStore) upsertRun(ctx context.Context, run harness.TestRun, mustExist bool) error {
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	if mustExist {
		tag, err := s.db.Exec(ctx, `
			UPDATE harness_runs
			SET suite_id = $2, status = $3, started_at = $4, payload = $5
			WHERE id = $1`,
			run.ID, run.SuiteID, string(run.Status), run.StartedAt, payload)
		if err != nil {
			return fmt.Errorf("updating run %s: %w", run.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("run %s: %w", run.ID, harness.ErrNotFound)
		}
		return nil
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO harness_runs (id, suite_id, status, started_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET suite_id = EXCLUDED.suite_id, status = EXCLUDED.status,
		    started_at = EXCLUDED.started_at, payload = EXCLUDED.payload`,
		run.ID, run.SuiteID, string(run.Status), run.StartedAt, payload)
	if err != nil {
		return fmt.Errorf("storing run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun implements [harness.Store].
func (s *PostgresStore) GetRun(ctx context.Context, id string) (harness.TestRun, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM harness_runs WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return harness.TestRun{}, fmt.Errorf("run %s: %w", id, harness.ErrNotFound)
	}
	if err != nil {
		return harness.TestRun{}, fmt.Errorf("loading run %s: %w", id, err)
	}
	var run harness.TestRun
	if err := json.Unmarshal(payload, &run); err != nil {
		return harness.TestRun{}, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns implements [harness.Store]. The filter columns are applied in
// SQL so large result payloads never leave the database.
func (s *PostgresStore) ListRuns(ctx context.Context, filter harness.Filter) ([]harness.TestRun, error) {
	query := `SELECT payload FROM harness_runs WHERE ($1 = '' OR suite_id = $1) AND ($2 = '' OR status = $2) ORDER BY started_at DESC`
	args := []any{filter.SuiteID, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return collectPayloads[harness.TestRun](rows)
}

// AppendResult implements [harness.Store] with an in-database JSONB
// append, so concurrent appenders never overwrite each other's results.
func (s *PostgresStore) AppendResult(ctx context.Context, runID string, result harness.TestResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE harness_runs
		SET payload = jsonb_set(payload, '{results}',
			COALESCE(payload->'results', '[]'::jsonb) || $2::jsonb)
		WHERE id = $1`,
		runID, payload)
	if err != nil {
		return fmt.Errorf("appending result to run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", runID, harness.ErrNotFound)
	}
	return nil
}

// PutBaseline implements [harness.Store].
func (s *PostgresStore) PutBaseline(ctx context.Context, baseline harness.PerformanceBaseline) error {
	payload, err := json.Marshal(baseline)
	if err != nil {
		return fmt.Errorf("encoding baseline %s: %w", baseline.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO harness_baselines (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		baseline.ID, payload)
	if err != nil {
		return fmt.Errorf("storing baseline %s: %w", baseline.ID, err)
	}
	return nil
}

// GetBaseline implements [harness.Store].
func (s *PostgresStore) GetBaseline(ctx context.Context, id string) (harness.PerformanceBaseline, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM harness_baselines WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return harness.PerformanceBaseline{}, fmt.Errorf("baseline %s: %w", id, harness.ErrNotFound)
	}
	if err != nil {
		return harness.PerformanceBaseline{}, fmt.Errorf("loading baseline %s: %w", id, err)
	}
	var baseline harness.PerformanceBaseline
	if err := json.Unmarshal(payload, &baseline); err != nil {
		return harness.PerformanceBaseline{}, fmt.Errorf("decoding baseline %s: %w", id, err)
	}
	return baseline, nil
}

// ListBaselines implements [harness.Store].
func (s *PostgresStore) ListBaselines(ctx context.Context) ([]harness.PerformanceBaseline, error) {
	rows, err := s.db.Query(ctx, `SELECT payload FROM harness_baselines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing baselines: %w", err)
	}
	return collectPayloads[harness.PerformanceBaseline](rows)
}

func collectPayloads[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning payload: %w", err)
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("decoding payload: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
	"github.com/kurihiro0119/octomirror/internal/storage"
)

// postgresStorage implements the Storage interface for PostgreSQL
type postgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage instance
func NewPostgresStorage(connStr string) (storage.Storage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &postgresStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *postgresStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		since TIMESTAMPTZ,
		status TEXT NOT NULL,
		events INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);

	CREATE TABLE IF NOT EXISTS event_outcomes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES sync_runs(id) ON DELETE CASCADE,
		action TEXT NOT NULL,
		domain TEXT NOT NULL,
		org TEXT NOT NULL,
		subject TEXT NOT NULL,
		event_time TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_outcomes_run_id ON event_outcomes(run_id);

	CREATE TABLE IF NOT EXISTS mirror_failures (
		org TEXT NOT NULL,
		repo TEXT NOT NULL,
		error TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (org, repo)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateRun saves a run that just started
func (s *postgresStorage) CreateRun(ctx context.Context, run *domain.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, mode, since, status, events, failures, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, string(run.Mode), run.Since, string(run.Status),
		run.Events, run.Failures, run.StartedAt, run.EndedAt)
	return err
}

// FinishRun stores the final status and counters of a run
func (s *postgresStorage) FinishRun(ctx context.Context, run *domain.SyncRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $1, events = $2, failures = $3, ended_at = $4
		WHERE id = $5
	`, string(run.Status), run.Events, run.Failures, run.EndedAt, run.ID)
	if err != nil {
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return apperrors.NewNotFoundError("run " + run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *postgresStorage) GetRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, since, status, events, failures, started_at, ended_at
		FROM sync_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("run " + id)
	}
	return run, err
}

// ListRuns returns the most recent runs first
func (s *postgresStorage) ListRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, since, status, events, failures, started_at, ended_at
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row interface{ Scan(...interface{}) error }) (*domain.SyncRun, error) {
	var run domain.SyncRun
	var mode, status string
	var since, endedAt sql.NullTime
	if err := row.Scan(&run.ID, &mode, &since, &status, &run.Events, &run.Failures, &run.StartedAt, &endedAt); err != nil {
		return nil, err
	}

	run.Mode = domain.RunMode(mode)
	run.Status = domain.RunStatus(status)
	if since.Valid {
		run.Since = &since.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	return &run, nil
}

// SaveOutcome saves the outcome of one dispatched event
func (s *postgresStorage) SaveOutcome(ctx context.Context, outcome *domain.EventOutcome) error {
	query := `
		INSERT INTO event_outcomes (id, run_id, action, domain, org, subject, event_time, status, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			recorded_at = EXCLUDED.recorded_at
	`
	_, err := s.db.ExecContext(ctx, query,
		outcome.ID, outcome.RunID, string(outcome.Action), string(outcome.Domain),
		outcome.Org, outcome.Subject, outcome.EventTime, string(outcome.Status),
		outcome.Error, outcome.RecordedAt)
	return err
}

// GetOutcomes returns the outcomes of a run in event order
func (s *postgresStorage) GetOutcomes(ctx context.Context, runID string) ([]*domain.EventOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, action, domain, org, subject, event_time, status, error, recorded_at
		FROM event_outcomes
		WHERE run_id = $1
		ORDER BY event_time ASC, recorded_at ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*domain.EventOutcome
	for rows.Next() {
		var o domain.EventOutcome
		var action, dom, status string
		if err := rows.Scan(&o.ID, &o.RunID, &action, &dom, &o.Org, &o.Subject, &o.EventTime, &status, &o.Error, &o.RecordedAt); err != nil {
			return nil, err
		}
		o.Action = domain.Action(action)
		o.Domain = domain.Domain(dom)
		o.Status = domain.OutcomeStatus(status)
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

// RecordMirrorFailure saves a failed mirror, counting the attempts
func (s *postgresStorage) RecordMirrorFailure(ctx context.Context, failure *domain.MirrorFailure) error {
	updatedAt := failure.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO mirror_failures (org, repo, error, attempts, updated_at)
		VALUES ($1, $2, $3, 1, $4)
		ON CONFLICT (org, repo) DO UPDATE SET
			error = EXCLUDED.error,
			attempts = mirror_failures.attempts + 1,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, failure.Org, failure.Repo, failure.Error, updatedAt)
	return err
}

// ClearMirrorFailure forgets a failed mirror once it went through
func (s *postgresStorage) ClearMirrorFailure(ctx context.Context, org, repo string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mirror_failures WHERE org = $1 AND repo = $2`, org, repo)
	return err
}

// GetMirrorFailures returns every pending mirror failure
func (s *postgresStorage) GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT org, repo, error, attempts, updated_at
		FROM mirror_failures
		ORDER BY org, repo
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*domain.MirrorFailure
	for rows.Next() {
		var f domain.MirrorFailure
		if err := rows.Scan(&f.Org, &f.Repo, &f.Error, &f.Attempts, &f.UpdatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}

// Close closes the database connection
func (s *postgresStorage) Close() error {
	return s.db.Close()
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
	"github.com/kurihiro0119/octomirror/internal/storage"
)

// sqliteStorage implements the Storage interface for SQLite
type sqliteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (storage.Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &sqliteStorage{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Migrate runs database migrations
func (s *sqliteStorage) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		since TIMESTAMP,
		status TEXT NOT NULL,
		events INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);

	CREATE TABLE IF NOT EXISTS event_outcomes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		action TEXT NOT NULL,
		domain TEXT NOT NULL,
		org TEXT NOT NULL,
		subject TEXT NOT NULL,
		event_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_event_outcomes_run_id ON event_outcomes(run_id);

	CREATE TABLE IF NOT EXISTS mirror_failures (
		org TEXT NOT NULL,
		repo TEXT NOT NULL,
		error TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (org, repo)
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateRun saves a run that just started
func (s *sqliteStorage) CreateRun(ctx context.Context, run *domain.SyncRun) error {
	query := `
		INSERT INTO sync_runs (id, mode, since, status, events, failures, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		string(run.Mode),
		utcPtr(run.Since),
		string(run.Status),
		run.Events,
		run.Failures,
		run.StartedAt.UTC(),
		utcPtr(run.EndedAt),
	)
	return err
}

// FinishRun stores the final status and counters of a run
func (s *sqliteStorage) FinishRun(ctx context.Context, run *domain.SyncRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, events = ?, failures = ?, ended_at = ?
		WHERE id = ?
	`, string(run.Status), run.Events, run.Failures, utcPtr(run.EndedAt), run.ID)
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
func (s *sqliteStorage) GetRun(ctx context.Context, id string) (*domain.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, mode, since, status, events, failures, started_at, ended_at
		FROM sync_runs
		WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("run " + id)
	}
	return run, err
}

// ListRuns returns the most recent runs first
func (s *sqliteStorage) ListRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mode, since, status, events, failures, started_at, ended_at
		FROM sync_runs
		ORDER BY started_at DESC
		LIMIT ?
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

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.SyncRun, error) {
	var run domain.SyncRun
	var mode, status string
	var since, endedAt sql.NullTime
	err := row.Scan(&run.ID, &mode, &since, &status, &run.Events, &run.Failures, &run.StartedAt, &endedAt)
	if err != nil {
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
func (s *sqliteStorage) SaveOutcome(ctx context.Context, outcome *domain.EventOutcome) error {
	query := `
		INSERT OR REPLACE INTO event_outcomes (id, run_id, action, domain, org, subject, event_time, status, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		outcome.ID,
		outcome.RunID,
		string(outcome.Action),
		string(outcome.Domain),
		outcome.Org,
		outcome.Subject,
		outcome.EventTime.UTC(),
		string(outcome.Status),
		outcome.Error,
		outcome.RecordedAt.UTC(),
	)
	return err
}

// GetOutcomes returns the outcomes of a run in event order
func (s *sqliteStorage) GetOutcomes(ctx context.Context, runID string) ([]*domain.EventOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, action, domain, org, subject, event_time, status, error, recorded_at
		FROM event_outcomes
		WHERE run_id = ?
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
func (s *sqliteStorage) RecordMirrorFailure(ctx context.Context, failure *domain.MirrorFailure) error {
	updatedAt := failure.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO mirror_failures (org, repo, error, attempts, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (org, repo) DO UPDATE SET
			error = excluded.error,
			attempts = mirror_failures.attempts + 1,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, failure.Org, failure.Repo, failure.Error, updatedAt.UTC())
	return err
}

// ClearMirrorFailure forgets a failed mirror once it went through
func (s *sqliteStorage) ClearMirrorFailure(ctx context.Context, org, repo string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mirror_failures WHERE org = ? AND repo = ?`, org, repo)
	return err
}

// GetMirrorFailures returns every pending mirror failure
func (s *sqliteStorage) GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error) {
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

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// Close closes the database connection
func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

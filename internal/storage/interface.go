package storage

import (
	"context"

	"github.com/kurihiro0119/octomirror/internal/domain"
)

// Storage is the abstract interface for the run journal. It is diagnostic
// only: the replication checkpoint is owned by the caller of sync.
type Storage interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.SyncRun) error
	FinishRun(ctx context.Context, run *domain.SyncRun) error
	GetRun(ctx context.Context, id string) (*domain.SyncRun, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error)

	// Event outcome operations
	SaveOutcome(ctx context.Context, outcome *domain.EventOutcome) error
	GetOutcomes(ctx context.Context, runID string) ([]*domain.EventOutcome, error)

	// Mirror failure operations
	RecordMirrorFailure(ctx context.Context, failure *domain.MirrorFailure) error
	ClearMirrorFailure(ctx context.Context, org, repo string) error
	GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error)

	// Migration
	Migrate(ctx context.Context) error

	// Connection management
	Close() error
}

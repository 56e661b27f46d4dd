// Package replicator drives whole-enterprise passes: the initial bootstrap,
// incremental syncs from the audit log, team resets and mirror retries.
package replicator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/google/uuid"

	"github.com/kurihiro0119/octomirror/internal/dispatcher"
	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// Broker is what the replicator needs from the credential broker
type Broker interface {
	Ready() bool
	EnterpriseSlug() string
	SourceAudit() *github.Client
	InstallableOrganizations(ctx context.Context) ([]string, error)
}

// AuditLog reads the enterprise audit log
type AuditLog interface {
	Events(ctx context.Context, client *github.Client, enterprise string, since time.Time) ([]domain.AuditEntry, error)
}

// Organizations bootstraps and resets whole organizations
type Organizations interface {
	Create(ctx context.Context, org string) error
	Reset(ctx context.Context, org string) error
}

// Mirrors pushes repository content again
type Mirrors interface {
	Mirror(ctx context.Context, repo domain.Repository) error
}

// Journal records runs and lists the mirrors left to retry
type Journal interface {
	CreateRun(ctx context.Context, run *domain.SyncRun) error
	FinishRun(ctx context.Context, run *domain.SyncRun) error
	GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error)
}

// Replicator runs the entry modes
type Replicator struct {
	broker     Broker
	audit      AuditLog
	orgs       Organizations
	mirrors    Mirrors
	dispatcher *dispatcher.Dispatcher
	journal    Journal
	logger     *slog.Logger
	now        func() time.Time
}

// Options wires a Replicator
type Options struct {
	Broker        Broker
	AuditLog      AuditLog
	Organizations Organizations
	Mirrors       Mirrors
	Dispatcher    *dispatcher.Dispatcher
	Journal       Journal // optional
	Logger        *slog.Logger
	Now           func() time.Time
}

// New creates a replicator
func New(opts Options) *Replicator {
	r := &Replicator{
		broker:     opts.Broker,
		audit:      opts.AuditLog,
		orgs:       opts.Organizations,
		mirrors:    opts.Mirrors,
		dispatcher: opts.Dispatcher,
		journal:    opts.Journal,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Replicator) checkReady() error {
	if !r.broker.Ready() {
		return apperrors.NewDependencyError("credential broker is not initialized", nil)
	}
	return nil
}

func (r *Replicator) startRun(ctx context.Context, mode domain.RunMode, since *time.Time) *domain.SyncRun {
	run := &domain.SyncRun{
		ID:        uuid.NewString(),
		Mode:      mode,
		Since:     since,
		Status:    domain.RunStatusInProgress,
		StartedAt: r.now(),
	}
	if r.journal != nil {
		if err := r.journal.CreateRun(ctx, run); err != nil {
			r.logger.Warn("failed to record run", "run_id", run.ID, "mode", mode, "error", err)
		}
	}
	r.logger.Info("run started", "run_id", run.ID, "mode", mode)
	return run
}

func (r *Replicator) finishRun(ctx context.Context, run *domain.SyncRun, err error) {
	ended := r.now()
	run.EndedAt = &ended
	run.Status = domain.RunStatusCompleted
	if err != nil {
		run.Status = domain.RunStatusFailed
	}
	if r.journal != nil {
		if jerr := r.journal.FinishRun(context.WithoutCancel(ctx), run); jerr != nil {
			r.logger.Warn("failed to record run", "run_id", run.ID, "error", jerr)
		}
	}
	r.logger.Info("run finished", "run_id", run.ID, "mode", run.Mode, "status", run.Status,
		"events", run.Events, "failures", run.Failures, "duration", ended.Sub(run.StartedAt))
}

// forEachOrganization applies fn to every organization the app can be
// installed on, one at a time. An organization without an installation is
// skipped; any other failure is counted on the run and the pass goes on.
// Only listing the organizations or cancellation fails the pass.
func (r *Replicator) forEachOrganization(ctx context.Context, run *domain.SyncRun, fn func(ctx context.Context, org string) error) error {
	orgs, err := r.broker.InstallableOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list installable organizations: %w", err)
	}

	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		run.Events++
		err := fn(ctx, org)
		switch {
		case err == nil:
		case apperrors.IsAuthError(err):
			r.logger.Warn("organization is not installable, skipping", "run_id", run.ID, "org", org, "error", err)
		default:
			r.logger.Error("organization failed", "run_id", run.ID, "org", org, "error", err)
			run.Failures++
		}
	}
	return nil
}

// Init bootstraps every installable organization on the destination
func (r *Replicator) Init(ctx context.Context) (*domain.SyncRun, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	run := r.startRun(ctx, domain.RunModeInit, nil)
	err := r.forEachOrganization(ctx, run, r.orgs.Create)
	r.finishRun(ctx, run, err)
	return run, err
}

// Reset deletes on the destination the teams of every installable
// organization
func (r *Replicator) Reset(ctx context.Context) (*domain.SyncRun, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	run := r.startRun(ctx, domain.RunModeReset, nil)
	err := r.forEachOrganization(ctx, run, r.orgs.Reset)
	r.finishRun(ctx, run, err)
	return run, err
}

// Sync replays every audit event created at or after since, oldest first.
// A failed event is recorded and does not stop the run; only failing to
// read the audit log does.
func (r *Replicator) Sync(ctx context.Context, since time.Time) (*domain.SyncRun, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	since = since.UTC()
	run := r.startRun(ctx, domain.RunModeSync, &since)

	entries, err := r.audit.Events(ctx, r.broker.SourceAudit(), r.broker.EnterpriseSlug(), since)
	if err != nil {
		err = fmt.Errorf("failed to read audit log: %w", err)
		r.finishRun(ctx, run, err)
		return run, err
	}
	r.logger.Info("replaying audit events", "run_id", run.ID, "since", since, "count", len(entries))

	d := r.dispatcher.ForRun(run.ID)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			r.finishRun(ctx, run, err)
			return run, err
		}
		outcome := d.Dispatch(ctx, entry)
		run.Events++
		if outcome.Status == domain.OutcomeFailed || outcome.Status == domain.OutcomeRejected {
			run.Failures++
		}
	}

	r.finishRun(ctx, run, nil)
	return run, nil
}

// RetryMirrors mirrors again every repository whose last mirror failed
func (r *Replicator) RetryMirrors(ctx context.Context) (*domain.SyncRun, error) {
	if err := r.checkReady(); err != nil {
		return nil, err
	}
	if r.journal == nil {
		return nil, apperrors.NewDependencyError("mirror retries need a run journal", nil)
	}
	failures, err := r.journal.GetMirrorFailures(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirror failures: %w", err)
	}

	run := r.startRun(ctx, domain.RunModeRetry, nil)
	for _, f := range failures {
		if err := ctx.Err(); err != nil {
			r.finishRun(ctx, run, err)
			return run, err
		}
		run.Events++
		repo := domain.Repository{Org: f.Org, Name: f.Repo}
		r.logger.Info("retrying mirror", "run_id", run.ID, "repo", repo.FullName(), "attempts", f.Attempts)
		if err := r.mirrors.Mirror(ctx, repo); err != nil {
			r.logger.Error("mirror failed again", "run_id", run.ID, "repo", repo.FullName(), "error", err)
			run.Failures++
		}
	}

	r.finishRun(ctx, run, nil)
	return run, nil
}

// Package dispatcher routes decoded audit events to the entity reconcilers
// and records what happened to each of them.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// OrganizationReconciler applies organization events
type OrganizationReconciler interface {
	Create(ctx context.Context, org string) error
	Delete(ctx context.Context, org string) error
	Rename(ctx context.Context, oldLogin, newLogin string) error
}

// RepositoryReconciler applies repository events
type RepositoryReconciler interface {
	CreateAndMirror(ctx context.Context, repo domain.Repository) error
	Delete(ctx context.Context, repo domain.Repository) error
	Rename(ctx context.Context, repo domain.Repository, oldName string) error
}

// TeamReconciler applies team events
type TeamReconciler interface {
	Create(ctx context.Context, org, slug string) error
	Delete(ctx context.Context, org, slug string) error
	Rename(ctx context.Context, org, slug string) error
	AddMember(ctx context.Context, org, slug, user string) error
	RemoveMember(ctx context.Context, org, slug, user string) error
	PromoteMaintainer(ctx context.Context, org, slug, user string) error
	DemoteMaintainer(ctx context.Context, org, slug, user string) error
	AddRepository(ctx context.Context, org, slug, repo, permission string) error
	UpdateRepositoryPermission(ctx context.Context, org, slug, repo, permission string) error
	RemoveRepository(ctx context.Context, org, slug, repo string) error
	ChangeParent(ctx context.Context, org, slug string) error
	ChangePrivacy(ctx context.Context, org, slug string) error
}

// RoleReconciler applies custom repository role events
type RoleReconciler interface {
	Create(ctx context.Context, org, name string) error
	Update(ctx context.Context, org, name string) error
	Delete(ctx context.Context, org, name string) error
}

// Reconcilers groups one reconciler per domain
type Reconcilers struct {
	Organizations OrganizationReconciler
	Repositories  RepositoryReconciler
	Teams         TeamReconciler
	Roles         RoleReconciler
}

// Journal stores event outcomes
type Journal interface {
	SaveOutcome(ctx context.Context, outcome *domain.EventOutcome) error
}

// Options tunes the dispatcher
type Options struct {
	// Timeout bounds the handling of one event; zero means no bound
	Timeout time.Duration
	Journal Journal // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

// Dispatcher routes events one at a time. It never fails as a whole: every
// error, and every panic, becomes the outcome of the event that caused it.
type Dispatcher struct {
	reconcilers Reconcilers
	timeout     time.Duration
	journal     Journal
	logger      *slog.Logger
	now         func() time.Time
	runID       string
}

// New creates a dispatcher
func New(reconcilers Reconcilers, opts Options) *Dispatcher {
	d := &Dispatcher{
		reconcilers: reconcilers,
		timeout:     opts.Timeout,
		journal:     opts.Journal,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// ForRun returns a dispatcher whose outcomes are attached to runID
func (d *Dispatcher) ForRun(runID string) *Dispatcher {
	c := *d
	c.runID = runID
	c.logger = d.logger.With("run_id", runID)
	return &c
}

// Dispatch decodes an audit entry and applies it
func (d *Dispatcher) Dispatch(ctx context.Context, entry domain.AuditEntry) domain.EventOutcome {
	outcome := domain.EventOutcome{
		ID:        uuid.NewString(),
		RunID:     d.runID,
		Action:    entry.Action,
		Domain:    entry.Action.Domain(),
		Org:       entry.Org,
		EventTime: entry.Time(),
	}

	event, err := domain.DecodeEvent(entry)
	switch {
	case err != nil:
		d.logger.Error("rejecting malformed event", "action", entry.Action, "document_id", entry.DocumentID, "error", err)
		outcome.Status = domain.OutcomeRejected
		outcome.Error = err.Error()
	default:
		outcome.Org = event.Organization()
		outcome.Subject = subject(event)
		if _, unknown := event.(domain.UnknownEvent); unknown {
			d.logger.Debug("ignoring event", "action", entry.Action)
			outcome.Status = domain.OutcomeIgnored
			break
		}

		d.logger.Info("processing event", "action", entry.Action, "org", outcome.Org, "subject", outcome.Subject, "created_at", outcome.EventTime)
		if err := d.apply(ctx, event); err != nil {
			d.logger.Error("event failed", "action", entry.Action, "org", outcome.Org, "subject", outcome.Subject, "error", err)
			outcome.Status = domain.OutcomeFailed
			outcome.Error = err.Error()
		} else {
			outcome.Status = domain.OutcomeApplied
		}
	}

	outcome.RecordedAt = d.now()
	d.record(ctx, &outcome)
	return outcome
}

func (d *Dispatcher) record(ctx context.Context, outcome *domain.EventOutcome) {
	if d.journal == nil || outcome.RunID == "" {
		return
	}
	if err := d.journal.SaveOutcome(context.WithoutCancel(ctx), outcome); err != nil {
		d.logger.Warn("failed to record event outcome", "action", outcome.Action, "error", err)
	}
}

// apply runs the reconciler call for event under the per-event timeout
func (d *Dispatcher) apply(ctx context.Context, event domain.Event) (err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while processing event", "action", event.Action(), "panic", r, "stack", string(debug.Stack()))
			err = apperrors.NewInternalError(fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	return d.route(ctx, event)
}

func (d *Dispatcher) route(ctx context.Context, event domain.Event) error {
	r := d.reconcilers
	switch e := event.(type) {
	case domain.OrganizationEvent:
		if e.Action() == domain.ActionOrgCreate {
			return r.Organizations.Create(ctx, e.Org)
		}
		return r.Organizations.Delete(ctx, e.Org)

	case domain.OrganizationRenameEvent:
		return r.Organizations.Rename(ctx, e.OldLogin, e.Org)

	case domain.RepositoryEvent:
		if e.Action() == domain.ActionRepoCreate {
			return r.Repositories.CreateAndMirror(ctx, e.Repository)
		}
		return r.Repositories.Delete(ctx, e.Repository)

	case domain.RepositoryRenameEvent:
		return r.Repositories.Rename(ctx, e.Repository, e.OldName)

	case domain.TeamEvent:
		switch e.Action() {
		case domain.ActionTeamCreate:
			return r.Teams.Create(ctx, e.Org, e.Team)
		case domain.ActionTeamDestroy:
			return r.Teams.Delete(ctx, e.Org, e.Team)
		case domain.ActionTeamRename:
			return r.Teams.Rename(ctx, e.Org, e.Team)
		case domain.ActionTeamChangeParentTeam:
			return r.Teams.ChangeParent(ctx, e.Org, e.Team)
		case domain.ActionTeamChangePrivacy:
			return r.Teams.ChangePrivacy(ctx, e.Org, e.Team)
		}

	case domain.TeamMemberEvent:
		switch e.Action() {
		case domain.ActionTeamAddMember:
			return r.Teams.AddMember(ctx, e.Org, e.Team, e.User)
		case domain.ActionTeamRemoveMember:
			return r.Teams.RemoveMember(ctx, e.Org, e.Team, e.User)
		case domain.ActionTeamPromoteMaintainer:
			return r.Teams.PromoteMaintainer(ctx, e.Org, e.Team, e.User)
		case domain.ActionTeamDemoteMaintainer:
			return r.Teams.DemoteMaintainer(ctx, e.Org, e.Team, e.User)
		}

	case domain.TeamPermissionEvent:
		if e.Action() == domain.ActionTeamAddRepository {
			return r.Teams.AddRepository(ctx, e.Org, e.Team, e.Repo, e.Permission)
		}
		return r.Teams.UpdateRepositoryPermission(ctx, e.Org, e.Team, e.Repo, e.Permission)

	case domain.TeamRepositoryEvent:
		return r.Teams.RemoveRepository(ctx, e.Org, e.Team, e.Repo)

	case domain.RepositoryRoleEvent:
		switch e.Action().Verb() {
		case "create":
			return r.Roles.Create(ctx, e.Org, e.RoleName)
		case "update":
			return r.Roles.Update(ctx, e.Org, e.RoleName)
		case "destroy":
			return r.Roles.Delete(ctx, e.Org, e.RoleName)
		}
	}

	return apperrors.NewMalformedEventError(string(event.Action()), "no handler for event")
}

// subject names the entity an event is about
func subject(event domain.Event) string {
	switch e := event.(type) {
	case domain.RepositoryEvent:
		return e.Repository.Name
	case domain.RepositoryRenameEvent:
		return e.Repository.Name
	case domain.TeamEvent:
		return e.Team
	case domain.TeamMemberEvent:
		return e.Team + ":" + e.User
	case domain.TeamPermissionEvent:
		return e.Team + ":" + e.Repo
	case domain.TeamRepositoryEvent:
		return e.Team + ":" + e.Repo
	case domain.RepositoryRoleEvent:
		return e.RoleName
	}
	return event.Organization()
}

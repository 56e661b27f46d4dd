package domain

import (
	"strings"
	"time"

	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// Action is a domain-qualified audit log action such as "repo.create"
type Action string

const (
	ActionOrgCreate Action = "org.create"
	ActionOrgDelete Action = "org.delete"
	ActionOrgRename Action = "org.rename"

	ActionRepoCreate  Action = "repo.create"
	ActionRepoDestroy Action = "repo.destroy"
	ActionRepoRename  Action = "repo.rename"

	ActionTeamCreate                     Action = "team.create"
	ActionTeamDestroy                    Action = "team.destroy"
	ActionTeamRename                     Action = "team.rename"
	ActionTeamAddMember                  Action = "team.add_member"
	ActionTeamRemoveMember               Action = "team.remove_member"
	ActionTeamAddRepository              Action = "team.add_repository"
	ActionTeamRemoveRepository           Action = "team.remove_repository"
	ActionTeamUpdateRepositoryPermission Action = "team.update_repository_permission"
	ActionTeamChangeParentTeam           Action = "team.change_parent_team"
	ActionTeamChangePrivacy              Action = "team.change_privacy"
	ActionTeamPromoteMaintainer          Action = "team.promote_maintainer"
	ActionTeamDemoteMaintainer           Action = "team.demote_maintainer"

	ActionRoleCreate  Action = "role.create"
	ActionRoleUpdate  Action = "role.update"
	ActionRoleDestroy Action = "role.destroy"

	ActionRepositoryRoleCreate  Action = "repository_role.create"
	ActionRepositoryRoleUpdate  Action = "repository_role.update"
	ActionRepositoryRoleDestroy Action = "repository_role.destroy"
)

// Domain is the entity family an action belongs to
type Domain string

const (
	DomainOrganization Domain = "org"
	DomainRepository   Domain = "repo"
	DomainTeam         Domain = "team"
	DomainRole         Domain = "role"
	DomainUnknown      Domain = "unknown"
)

// Domain returns the entity family of the action. repository_role.* is
// folded into the role domain.
func (a Action) Domain() Domain {
	prefix, _, found := strings.Cut(string(a), ".")
	if !found {
		return DomainUnknown
	}
	switch prefix {
	case "org":
		return DomainOrganization
	case "repo":
		return DomainRepository
	case "team":
		return DomainTeam
	case "role", "repository_role":
		return DomainRole
	}
	return DomainUnknown
}

// Verb returns the part of the action after the domain prefix
func (a Action) Verb() string {
	_, verb, _ := strings.Cut(string(a), ".")
	return verb
}

// HandledActions lists every action the replication engine reacts to.
// The audit log reader narrows its search phrase to these.
var HandledActions = []Action{
	ActionOrgCreate, ActionOrgDelete, ActionOrgRename,
	ActionRepoCreate, ActionRepoDestroy, ActionRepoRename,
	ActionTeamCreate, ActionTeamDestroy, ActionTeamRename,
	ActionTeamAddMember, ActionTeamRemoveMember,
	ActionTeamAddRepository, ActionTeamRemoveRepository, ActionTeamUpdateRepositoryPermission,
	ActionTeamChangeParentTeam, ActionTeamChangePrivacy,
	ActionTeamPromoteMaintainer, ActionTeamDemoteMaintainer,
	ActionRoleCreate, ActionRoleUpdate, ActionRoleDestroy,
	ActionRepositoryRoleCreate, ActionRepositoryRoleUpdate, ActionRepositoryRoleDestroy,
}

// AuditEntry is a raw enterprise audit log entry as returned by the API.
// CreatedAt is expressed in milliseconds since the epoch.
type AuditEntry struct {
	DocumentID string `json:"_document_id,omitempty"`
	Action     Action `json:"action"`
	Actor      string `json:"actor,omitempty"`
	Org        string `json:"org,omitempty"`
	CreatedAt  int64  `json:"created_at"`

	Repo       string `json:"repo,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	OldName    string `json:"old_name,omitempty"`
	OldLogin   string `json:"old_login,omitempty"`

	Team       string `json:"team,omitempty"`
	User       string `json:"user,omitempty"`
	Permission string `json:"permission,omitempty"`

	Name     string `json:"name,omitempty"`
	Role     string `json:"role,omitempty"`
	BaseRole string `json:"base_role,omitempty"`
}

// Time returns the entry creation time in UTC
func (e AuditEntry) Time() time.Time {
	return time.UnixMilli(e.CreatedAt).UTC()
}

// Event is the decoded, strongly typed form of an audit entry.
// The set of implementations is closed to this package.
type Event interface {
	Action() Action
	Organization() string
	CreatedAt() time.Time
	isEvent()
}

// Base carries the fields common to every event
type Base struct {
	Act  Action
	Org  string
	When time.Time
}

func (b Base) Action() Action       { return b.Act }
func (b Base) Organization() string { return b.Org }
func (b Base) CreatedAt() time.Time { return b.When }
func (Base) isEvent()               {}

// OrganizationEvent covers org.create and org.delete
type OrganizationEvent struct {
	Base
}

// OrganizationRenameEvent is an org.rename; Org holds the new login
type OrganizationRenameEvent struct {
	Base
	OldLogin string
}

// RepositoryEvent covers repo.create and repo.destroy
type RepositoryEvent struct {
	Base
	Repository Repository
}

// RepositoryRenameEvent is a repo.rename; Repository holds the new name
type RepositoryRenameEvent struct {
	Base
	Repository Repository
	OldName    string
}

// TeamEvent covers team events that only name the team
type TeamEvent struct {
	Base
	Team string // slug, org prefix stripped
}

// TeamMemberEvent covers membership and maintainer events
type TeamMemberEvent struct {
	Base
	Team string
	User string
}

// TeamRepositoryEvent is a team.remove_repository
type TeamRepositoryEvent struct {
	Base
	Team string
	Repo string // name, org prefix stripped
}

// TeamPermissionEvent covers team.add_repository and
// team.update_repository_permission
type TeamPermissionEvent struct {
	Base
	Team       string
	Repo       string
	Permission string
}

// RepositoryRoleEvent covers role.* and repository_role.*
type RepositoryRoleEvent struct {
	Base
	RoleName string
	BaseRole string
}

// UnknownEvent is any action the engine does not replicate
type UnknownEvent struct {
	Base
}

// DecodeEvent converts a raw audit entry into its typed variant. Entries
// with a handled action but missing required fields are rejected with a
// malformed event error before any remote call is made.
func DecodeEvent(entry AuditEntry) (Event, error) {
	base := Base{Act: entry.Action, Org: entry.Org, When: entry.Time()}

	switch entry.Action {
	case ActionOrgCreate, ActionOrgDelete:
		if entry.Org == "" {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "missing organization")
		}
		return OrganizationEvent{Base: base}, nil

	case ActionOrgRename:
		if entry.Org == "" || entry.OldLogin == "" {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "missing organization login")
		}
		return OrganizationRenameEvent{Base: base, OldLogin: entry.OldLogin}, nil

	case ActionRepoCreate, ActionRepoDestroy, ActionRepoRename:
		nwo, ok := ParseNWO(entry.Repo)
		if !ok {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "invalid repository name "+entry.Repo)
		}
		base.Org = nwo.Org
		repo := Repository{Org: nwo.Org, Name: nwo.Repo, Visibility: ParseVisibility(entry.Visibility)}
		if entry.Action != ActionRepoRename {
			return RepositoryEvent{Base: base, Repository: repo}, nil
		}
		if !IsValidRepoName(entry.OldName) {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "invalid old repository name "+entry.OldName)
		}
		return RepositoryRenameEvent{Base: base, Repository: repo, OldName: entry.OldName}, nil

	case ActionTeamCreate, ActionTeamDestroy, ActionTeamRename,
		ActionTeamChangeParentTeam, ActionTeamChangePrivacy:
		team, err := teamSlug(entry)
		if err != nil {
			return nil, err
		}
		return TeamEvent{Base: base, Team: team}, nil

	case ActionTeamAddMember, ActionTeamRemoveMember,
		ActionTeamPromoteMaintainer, ActionTeamDemoteMaintainer:
		team, err := teamSlug(entry)
		if err != nil {
			return nil, err
		}
		if entry.User == "" {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "missing user")
		}
		return TeamMemberEvent{Base: base, Team: team, User: entry.User}, nil

	case ActionTeamAddRepository, ActionTeamUpdateRepositoryPermission, ActionTeamRemoveRepository:
		team, err := teamSlug(entry)
		if err != nil {
			return nil, err
		}
		repo := lastSegment(entry.Repo)
		if repo == "" {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "missing repository")
		}
		if entry.Action == ActionTeamRemoveRepository {
			return TeamRepositoryEvent{Base: base, Team: team, Repo: repo}, nil
		}
		return TeamPermissionEvent{Base: base, Team: team, Repo: repo, Permission: entry.Permission}, nil

	case ActionRoleCreate, ActionRoleUpdate, ActionRoleDestroy,
		ActionRepositoryRoleCreate, ActionRepositoryRoleUpdate, ActionRepositoryRoleDestroy:
		name := entry.Name
		if name == "" {
			name = entry.Role
		}
		if entry.Org == "" || name == "" {
			return nil, apperrors.NewMalformedEventError(string(entry.Action), "missing organization or role name")
		}
		return RepositoryRoleEvent{Base: base, RoleName: name, BaseRole: entry.BaseRole}, nil
	}

	return UnknownEvent{Base: base}, nil
}

func teamSlug(entry AuditEntry) (string, error) {
	slug := lastSegment(entry.Team)
	if slug == "" {
		return "", apperrors.NewMalformedEventError(string(entry.Action), "invalid team name "+entry.Team)
	}
	if entry.Org == "" {
		return "", apperrors.NewMalformedEventError(string(entry.Action), "missing organization")
	}
	return slug, nil
}

func lastSegment(qualified string) string {
	if i := strings.LastIndex(qualified, "/"); i >= 0 {
		return qualified[i+1:]
	}
	return qualified
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/shurcooL/githubv4"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// TeamOptions tunes the team reconciler
type TeamOptions struct {
	// Owner is added as maintainer by the create call and removed right after
	Owner            string
	ParentRetryLimit int
	ParentRetryDelay time.Duration
	// Sleep waits between two parent lookups; defaults to a timer
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Teams reconciles destination teams, their members and repositories
type Teams struct {
	clients    Clients
	owner      string
	retryLimit int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger

	mu sync.Mutex
	// "org.name" -> destination team
	cache map[string]domain.Team
	// org -> group name -> destination group id
	destGroups map[string]map[string]int64
}

// NewTeams creates a team reconciler with empty caches
func NewTeams(clients Clients, opts TeamOptions) *Teams {
	t := &Teams{
		clients:    clients,
		owner:      opts.Owner,
		retryLimit: opts.ParentRetryLimit,
		retryDelay: opts.ParentRetryDelay,
		sleep:      opts.Sleep,
		logger:     opts.Logger,
		cache:      make(map[string]domain.Team),
		destGroups: make(map[string]map[string]int64),
	}
	if t.retryLimit < 1 {
		t.retryLimit = 3
	}
	if t.sleep == nil {
		t.sleep = sleep
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cacheKey(org, name string) string {
	return org + "." + name
}

func (t *Teams) cached(org, name string) (domain.Team, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	team, ok := t.cache[cacheKey(org, name)]
	return team, ok
}

func (t *Teams) remember(org string, team domain.Team) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache[cacheKey(org, team.Name)] = team
}

func toDomainTeam(team *github.Team) domain.Team {
	out := domain.Team{
		ID:          team.GetID(),
		Slug:        team.GetSlug(),
		Name:        team.GetName(),
		Description: team.GetDescription(),
		Privacy:     domain.ParsePrivacy(team.GetPrivacy()),
	}
	if team.Parent != nil {
		out.Parent = &domain.TeamRef{Name: team.Parent.GetName(), Slug: team.Parent.GetSlug()}
	}
	return out
}

func (t *Teams) sourceTeam(ctx context.Context, org, slug string) (domain.Team, error) {
	client, err := t.clients.OrgClient(ctx, org)
	if err != nil {
		return domain.Team{}, err
	}
	team, _, err := client.Teams.GetTeamBySlug(ctx, org, slug)
	if err != nil {
		return domain.Team{}, fmt.Errorf("failed to get team %s in %s: %w", slug, org, err)
	}
	return toDomainTeam(team), nil
}

// Create replicates a team created on the source
func (t *Teams) Create(ctx context.Context, org, slug string) error {
	team, err := t.sourceTeam(ctx, org, slug)
	if err != nil {
		t.logger.Error("failed to get source team, the team will not be created", "org", org, "team", slug, "error", err)
		return err
	}
	return t.create(ctx, org, team)
}

// parentID resolves the destination id of a parent team, first from the
// cache, then by slug with a bounded number of attempts since a parent
// created moments ago may not be visible yet
func (t *Teams) parentID(ctx context.Context, org string, team domain.Team) (int64, bool) {
	if parent, ok := t.cached(org, team.Parent.Name); ok && parent.ID != 0 {
		return parent.ID, true
	}
	t.logger.Debug("parent team not in cache, fetching", "org", org, "team", team.Name, "parent", team.Parent.Slug)

	for attempt := 1; ; attempt++ {
		parent, _, err := t.clients.Destination().Teams.GetTeamBySlug(ctx, org, team.Parent.Slug)
		if err == nil {
			t.remember(org, toDomainTeam(parent))
			return parent.GetID(), true
		}
		if attempt >= t.retryLimit {
			t.logger.Error("failed to get parent team, the team will not be created",
				"org", org, "team", team.Name, "parent", team.Parent.Name, "attempts", attempt, "error", err)
			return 0, false
		}
		t.logger.Info("failed to get parent team, retrying",
			"org", org, "team", team.Name, "parent", team.Parent.Name, "attempt", attempt, "limit", t.retryLimit, "delay", t.retryDelay)
		if err := t.sleep(ctx, t.retryDelay); err != nil {
			t.logger.Error("parent team lookup interrupted", "org", org, "team", team.Name, "error", err)
			return 0, false
		}
	}
}

func (t *Teams) create(ctx context.Context, org string, team domain.Team) error {
	t.logger.Info("creating team", "org", org, "team", team.Name)

	newTeam := github.NewTeam{
		Name:        team.Name,
		Description: github.String(team.Description),
		Privacy:     github.String(string(team.Privacy)),
		Maintainers: []string{t.owner},
	}
	if team.Parent != nil {
		id, ok := t.parentID(ctx, org, team)
		if !ok {
			return nil
		}
		newTeam.ParentTeamID = github.Int64(id)
	}

	created, _, err := t.clients.Destination().Teams.CreateTeam(ctx, org, newTeam)
	switch {
	case err == nil:
		team.ID = created.GetID()
		if slug := created.GetSlug(); slug != "" {
			team.Slug = slug
		}
		t.remember(org, team)
		t.removeOwner(ctx, org, team.Slug)
	case apperrors.StatusCode(err) == http.StatusUnprocessableEntity && apperrors.HasMessage(err, "Validation Failed"):
		t.logger.Info("team already exists, skipping creation", "org", org, "team", team.Name)
	default:
		return fmt.Errorf("failed to create team %s in %s: %w", team.Name, org, err)
	}

	t.populate(ctx, org, team)
	return nil
}

// removeOwner drops the membership the create call grants to the owner
func (t *Teams) removeOwner(ctx context.Context, org, slug string) {
	_, err := t.clients.Destination().Teams.RemoveTeamMembershipBySlug(ctx, org, slug, t.owner)
	if err != nil && !apperrors.IsNotFound(err) {
		t.logger.Warn("failed to remove owner from team", "org", org, "team", slug, "owner", t.owner, "error", err)
	}
}

// CreateAll replicates every team of a source organization. Teams whose
// parent is not known yet are held back and created in a second pass.
func (t *Teams) CreateAll(ctx context.Context, org string) error {
	client, err := t.clients.OrgClient(ctx, org)
	if err != nil {
		return err
	}
	t.loadDestinationGroups(ctx, org)

	var deferred []domain.Team
	var errs []error
	opts := &github.ListOptions{PerPage: 100}
	for {
		teams, resp, err := client.Teams.ListTeams(ctx, org, opts)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("failed to list teams of %s: %w", org, err))...)
		}

		for _, gt := range teams {
			team := toDomainTeam(gt)
			if team.Parent != nil {
				if _, ok := t.cached(org, team.Parent.Name); !ok {
					t.logger.Info("parent team not created yet, deferring", "org", org, "team", team.Name, "parent", team.Parent.Name)
					deferred = append(deferred, team)
					continue
				}
			}
			if err := t.create(ctx, org, team); err != nil {
				errs = append(errs, err)
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, team := range deferred {
		if err := t.create(ctx, org, team); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Delete deletes a team on the destination
func (t *Teams) Delete(ctx context.Context, org, slug string) error {
	t.logger.Info("deleting team", "org", org, "team", slug)
	_, err := t.clients.Destination().Teams.DeleteTeamBySlug(ctx, org, slug)
	if err != nil {
		if apperrors.IsNotFound(err) {
			t.logger.Info("team does not exist, skipping deletion", "org", org, "team", slug)
			return nil
		}
		return fmt.Errorf("failed to delete team %s in %s: %w", slug, org, err)
	}

	t.mu.Lock()
	for key, team := range t.cache {
		if team.Slug == slug && strings.HasPrefix(key, org+".") {
			delete(t.cache, key)
		}
	}
	t.mu.Unlock()
	return nil
}

// DeleteAll deletes on the destination every team of a source organization
func (t *Teams) DeleteAll(ctx context.Context, org string) error {
	var errs []error
	opts := &github.ListOptions{PerPage: 100}
	for {
		teams, resp, err := t.clients.SourceAudit().Teams.ListTeams(ctx, org, opts)
		if err != nil {
			return errors.Join(append(errs, fmt.Errorf("failed to list teams of %s: %w", org, err))...)
		}
		for _, team := range teams {
			if err := t.Delete(ctx, org, team.GetSlug()); err != nil {
				t.logger.Error("failed to delete team", "org", org, "team", team.GetName(), "error", err)
				errs = append(errs, err)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return errors.Join(errs...)
}

// Rename is not replicated; an operator has to rename the team by hand
func (t *Teams) Rename(ctx context.Context, org, slug string) error {
	t.logger.Error(fmt.Sprintf("Unsupported action. Team %s needs to be manually renamed in org %s", slug, org))
	return nil
}

// populate connects the team to its IdP group when it has one on the
// source, otherwise adds its members one by one
func (t *Teams) populate(ctx context.Context, org string, team domain.Team) {
	client, err := t.clients.OrgClient(ctx, org)
	if err != nil {
		t.logger.Error("failed to populate team", "org", org, "team", team.Name, "error", err)
		return
	}

	groups, _, err := client.Teams.ListExternalGroupsForTeamBySlug(ctx, org, team.Slug)
	switch {
	case err == nil && len(groups.Groups) > 0:
		t.mapExternalGroup(ctx, org, team, groups.Groups[0].GetGroupName())
		return
	case err == nil:
	case apperrors.StatusCode(err) == http.StatusBadRequest:
		t.logger.Debug("team is not synced with a group", "org", org, "team", team.Name)
	default:
		t.logger.Error("failed to get external group of team", "org", org, "team", team.Name, "error", err)
	}

	t.addMembers(ctx, org, team)
}

func (t *Teams) loadDestinationGroups(ctx context.Context, org string) map[string]int64 {
	t.mu.Lock()
	groups, ok := t.destGroups[org]
	t.mu.Unlock()
	if ok {
		return groups
	}

	groups = make(map[string]int64)
	opts := &github.ListExternalGroupsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		list, resp, err := t.clients.Destination().Teams.ListExternalGroups(ctx, org, opts)
		if err != nil {
			if apperrors.IsNotFound(err) {
				t.logger.Debug("organization has no external group", "org", org)
			} else {
				t.logger.Error("failed to list external groups", "org", org, "error", err)
			}
			break
		}
		for _, g := range list.Groups {
			groups[g.GetGroupName()] = g.GetGroupID()
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	t.mu.Lock()
	t.destGroups[org] = groups
	t.mu.Unlock()
	return groups
}

func (t *Teams) mapExternalGroup(ctx context.Context, org string, team domain.Team, groupName string) {
	id, ok := t.loadDestinationGroups(ctx, org)[groupName]
	if !ok {
		t.logger.Error("external group has no counterpart on the destination", "org", org, "team", team.Name, "group", groupName)
		return
	}

	t.logger.Debug("mapping team to external group", "org", org, "team", team.Name, "group", groupName, "group_id", id)
	_, _, err := t.clients.Destination().Teams.UpdateConnectedExternalGroup(ctx, org, team.Slug, &github.ExternalGroup{GroupID: github.Int64(id)})
	if err != nil {
		t.logger.Error("failed to map external group", "org", org, "team", team.Name, "group", groupName, "error", err)
	}
}

// teamMembersQuery lists the members of one team with their role
type teamMembersQuery struct {
	Organization struct {
		Teams struct {
			Nodes []struct {
				Members struct {
					PageInfo struct {
						HasNextPage bool
						EndCursor   githubv4.String
					}
					Edges []struct {
						Role githubv4.TeamMemberRole
						Node struct {
							Login string
						}
					}
				} `graphql:"members(first: 100, after: $cursor)"`
			}
		} `graphql:"teams(query: $team, first: 1)"`
	} `graphql:"organization(login: $organization)"`
}

// addMembers copies the source membership of the team. A member missing on
// the destination is reported and skipped.
func (t *Teams) addMembers(ctx context.Context, org string, team domain.Team) {
	gql, err := t.clients.OrgGraphQL(ctx, org)
	if err != nil {
		t.logger.Error("failed to list team members", "org", org, "team", team.Name, "error", err)
		return
	}

	vars := map[string]interface{}{
		"organization": githubv4.String(org),
		"team":         githubv4.String(team.Slug),
		"cursor":       (*githubv4.String)(nil),
	}
	for {
		var q teamMembersQuery
		if err := gql.Query(ctx, &q, vars); err != nil {
			t.logger.Error("failed to list team members", "org", org, "team", team.Name, "error", err)
			return
		}
		if len(q.Organization.Teams.Nodes) == 0 {
			return
		}
		members := q.Organization.Teams.Nodes[0].Members

		for _, edge := range members.Edges {
			// managed users carry an enterprise suffix after "_"
			login, _, _ := strings.Cut(edge.Node.Login, "_")
			role := domain.TeamRoleMember
			if edge.Role == githubv4.TeamMemberRoleMaintainer {
				role = domain.TeamRoleMaintainer
			}
			if err := t.setMembership(ctx, org, team.Slug, login, role); err != nil {
				t.logger.Error("failed to add member to team", "org", org, "team", team.Slug, "user", login, "error", err)
			}
		}

		if !members.PageInfo.HasNextPage {
			return
		}
		vars["cursor"] = githubv4.NewString(members.PageInfo.EndCursor)
	}
}

func (t *Teams) setMembership(ctx context.Context, org, slug, user string, role domain.TeamRole) error {
	_, _, err := t.clients.Destination().Teams.AddTeamMembershipBySlug(ctx, org, slug, user,
		&github.TeamAddTeamMembershipOptions{Role: string(role)})
	if err != nil && apperrors.IsNotFound(err) {
		return fmt.Errorf("user %s or team %s does not exist on the destination: %w", user, slug, err)
	}
	return err
}

// AddMember adds user to the team as a plain member
func (t *Teams) AddMember(ctx context.Context, org, slug, user string) error {
	return t.membership(ctx, org, slug, user, domain.TeamRoleMember)
}

// PromoteMaintainer makes user a maintainer of the team
func (t *Teams) PromoteMaintainer(ctx context.Context, org, slug, user string) error {
	return t.membership(ctx, org, slug, user, domain.TeamRoleMaintainer)
}

// DemoteMaintainer makes user a plain member of the team
func (t *Teams) DemoteMaintainer(ctx context.Context, org, slug, user string) error {
	return t.membership(ctx, org, slug, user, domain.TeamRoleMember)
}

func (t *Teams) membership(ctx context.Context, org, slug, user string, role domain.TeamRole) error {
	t.logger.Info("setting team membership", "org", org, "team", slug, "user", user, "role", role)
	err := t.setMembership(ctx, org, slug, user, role)
	if err != nil && apperrors.IsNotFound(err) {
		t.logger.Warn("membership not replicated", "org", org, "team", slug, "user", user, "error", err)
		return nil
	}
	return err
}

// RemoveMember removes user from the team
func (t *Teams) RemoveMember(ctx context.Context, org, slug, user string) error {
	t.logger.Info("removing team member", "org", org, "team", slug, "user", user)
	_, err := t.clients.Destination().Teams.RemoveTeamMembershipBySlug(ctx, org, slug, user)
	if err != nil {
		if apperrors.IsNotFound(err) {
			t.logger.Info("membership does not exist, skipping removal", "org", org, "team", slug, "user", user)
			return nil
		}
		return fmt.Errorf("failed to remove %s from team %s in %s: %w", user, slug, org, err)
	}
	return nil
}

// repoPermission maps audit log permission names to the API ones. Custom
// role names pass through unchanged.
func repoPermission(permission string) string {
	switch permission {
	case "", "read":
		return "pull"
	case "write":
		return "push"
	}
	return permission
}

// AddRepository grants the team access to repo
func (t *Teams) AddRepository(ctx context.Context, org, slug, repo, permission string) error {
	return t.setRepository(ctx, org, slug, repo, permission)
}

// UpdateRepositoryPermission changes the access of the team to repo
func (t *Teams) UpdateRepositoryPermission(ctx context.Context, org, slug, repo, permission string) error {
	return t.setRepository(ctx, org, slug, repo, permission)
}

func (t *Teams) setRepository(ctx context.Context, org, slug, repo, permission string) error {
	permission = repoPermission(permission)
	t.logger.Info("setting team repository permission", "org", org, "team", slug, "repo", repo, "permission", permission)

	_, err := t.clients.Destination().Teams.AddTeamRepoBySlug(ctx, org, slug, org, repo,
		&github.TeamAddTeamRepoOptions{Permission: permission})
	switch apperrors.StatusCode(err) {
	case 0:
		if err != nil {
			return fmt.Errorf("failed to add %s to team %s in %s: %w", repo, slug, org, err)
		}
		return nil
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		t.logger.Warn("team repository permission not replicated", "org", org, "team", slug, "repo", repo, "error", err)
		return nil
	}
	return fmt.Errorf("failed to add %s to team %s in %s: %w", repo, slug, org, err)
}

// RemoveRepository revokes the access of the team to repo
func (t *Teams) RemoveRepository(ctx context.Context, org, slug, repo string) error {
	t.logger.Info("removing team repository", "org", org, "team", slug, "repo", repo)
	_, err := t.clients.Destination().Teams.RemoveTeamRepoBySlug(ctx, org, slug, org, repo)
	if err != nil {
		if apperrors.IsNotFound(err) {
			t.logger.Info("team repository does not exist, skipping removal", "org", org, "team", slug, "repo", repo)
			return nil
		}
		return fmt.Errorf("failed to remove %s from team %s in %s: %w", repo, slug, org, err)
	}
	return nil
}

// ChangeParent applies the current source parent of the team. The audit
// entry does not say what the new parent is.
func (t *Teams) ChangeParent(ctx context.Context, org, slug string) error {
	team, err := t.sourceTeam(ctx, org, slug)
	if err != nil {
		return err
	}

	edit := github.NewTeam{Name: team.Name}
	removeParent := team.Parent == nil
	if !removeParent {
		id, ok := t.parentID(ctx, org, team)
		if !ok {
			return nil
		}
		edit.ParentTeamID = github.Int64(id)
	}
	return t.edit(ctx, org, slug, edit, removeParent)
}

// ChangePrivacy applies the current source privacy of the team
func (t *Teams) ChangePrivacy(ctx context.Context, org, slug string) error {
	team, err := t.sourceTeam(ctx, org, slug)
	if err != nil {
		return err
	}
	return t.edit(ctx, org, slug, github.NewTeam{Name: team.Name, Privacy: github.String(string(team.Privacy))}, false)
}

func (t *Teams) edit(ctx context.Context, org, slug string, edit github.NewTeam, removeParent bool) error {
	t.logger.Info("updating team", "org", org, "team", slug)
	_, _, err := t.clients.Destination().Teams.EditTeamBySlug(ctx, org, slug, edit, removeParent)
	if err != nil {
		if apperrors.IsNotFound(err) {
			t.logger.Warn("team does not exist on the destination, skipping update", "org", org, "team", slug)
			return nil
		}
		return fmt.Errorf("failed to update team %s in %s: %w", slug, org, err)
	}
	return nil
}

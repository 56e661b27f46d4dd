package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/go-github/v55/github"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

const msgRoleNameTaken = "Name has already been taken"

// Roles reconciles custom repository roles. Roles are never cached, they
// are looked up by name on every operation.
type Roles struct {
	clients Clients
	logger  *slog.Logger
}

// NewRoles creates a custom repository role reconciler
func NewRoles(clients Clients, logger *slog.Logger) *Roles {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roles{clients: clients, logger: logger}
}

type customRolesPage struct {
	TotalCount  int                           `json:"total_count"`
	CustomRoles []domain.CustomRepositoryRole `json:"custom_roles"`
}

// listRoles returns every custom repository role of org on the host client
// points at. OrganizationsService.ListCustomRepoRoles takes no page options,
// so the pages are requested directly.
func listRoles(ctx context.Context, client *github.Client, org string) ([]domain.CustomRepositoryRole, error) {
	var roles []domain.CustomRepositoryRole
	page := 1
	for {
		req, err := client.NewRequest(http.MethodGet, fmt.Sprintf("orgs/%s/custom-repository-roles?per_page=100&page=%d", org, page), nil)
		if err != nil {
			return nil, err
		}
		var body customRolesPage
		resp, err := client.Do(ctx, req, &body)
		if err != nil {
			return nil, fmt.Errorf("failed to list custom repository roles of %s: %w", org, err)
		}
		roles = append(roles, body.CustomRoles...)

		if resp.NextPage == 0 {
			return roles, nil
		}
		page = resp.NextPage
	}
}

func findRole(ctx context.Context, client *github.Client, org, name string) (*domain.CustomRepositoryRole, error) {
	roles, err := listRoles(ctx, client, org)
	if err != nil {
		return nil, err
	}
	for i := range roles {
		if roles[i].Name == name {
			return &roles[i], nil
		}
	}
	return nil, nil
}

func (r *Roles) sourceRole(ctx context.Context, org, name string) (*domain.CustomRepositoryRole, error) {
	client, err := r.clients.OrgClient(ctx, org)
	if err != nil {
		return nil, err
	}
	role, err := findRole(ctx, client, org, name)
	if err != nil {
		return nil, err
	}
	if role == nil {
		r.logger.Error("custom repository role not found on the source, it cannot be synchronized", "org", org, "role", name)
	}
	return role, nil
}

// roleOptions carries the mutable fields of a role; the name is only sent
// on creation
func roleOptions(role domain.CustomRepositoryRole) *github.CreateOrUpdateCustomRoleOptions {
	opts := &github.CreateOrUpdateCustomRoleOptions{
		BaseRole:    github.String(role.BaseRole),
		Permissions: role.Permissions,
	}
	if role.Description != "" {
		opts.Description = github.String(role.Description)
	}
	return opts
}

// Create replicates the role called name from the source
func (r *Roles) Create(ctx context.Context, org, name string) error {
	role, err := r.sourceRole(ctx, org, name)
	if err != nil || role == nil {
		return err
	}
	return r.create(ctx, org, *role)
}

func (r *Roles) create(ctx context.Context, org string, role domain.CustomRepositoryRole) error {
	r.logger.Info("creating custom repository role", "org", org, "role", role.Name)

	opts := roleOptions(role)
	opts.Name = github.String(role.Name)
	if _, _, err := r.clients.Destination().Organizations.CreateCustomRepoRole(ctx, org, opts); err != nil {
		if apperrors.StatusCode(err) == http.StatusUnprocessableEntity && apperrors.HasMessage(err, msgRoleNameTaken) {
			r.logger.Info("custom repository role already exists, updating it", "org", org, "role", role.Name)
			return r.update(ctx, org, role)
		}
		return fmt.Errorf("failed to create custom repository role %s in %s: %w", role.Name, org, err)
	}
	return nil
}

// Update applies the current source definition of the role called name
func (r *Roles) Update(ctx context.Context, org, name string) error {
	role, err := r.sourceRole(ctx, org, name)
	if err != nil || role == nil {
		return err
	}
	return r.update(ctx, org, *role)
}

func (r *Roles) update(ctx context.Context, org string, role domain.CustomRepositoryRole) error {
	dest := r.clients.Destination()
	existing, err := findRole(ctx, dest, org, role.Name)
	if err != nil {
		return err
	}
	if existing == nil {
		r.logger.Error("custom repository role not found on the destination, it will not be updated", "org", org, "role", role.Name)
		return nil
	}

	r.logger.Info("updating custom repository role", "org", org, "role", role.Name, "role_id", existing.ID)
	roleID := strconv.FormatInt(existing.ID, 10)
	if _, _, err := dest.Organizations.UpdateCustomRepoRole(ctx, org, roleID, roleOptions(role)); err != nil {
		if apperrors.IsNotFound(err) {
			r.logger.Warn("custom repository role vanished before update", "org", org, "role", role.Name)
			return nil
		}
		return fmt.Errorf("failed to update custom repository role %s in %s: %w", role.Name, org, err)
	}
	return nil
}

// Delete deletes the role called name on the destination
func (r *Roles) Delete(ctx context.Context, org, name string) error {
	dest := r.clients.Destination()
	existing, err := findRole(ctx, dest, org, name)
	if err != nil {
		return err
	}
	if existing == nil {
		r.logger.Info("custom repository role does not exist, skipping deletion", "org", org, "role", name)
		return nil
	}

	r.logger.Info("deleting custom repository role", "org", org, "role", name, "role_id", existing.ID)
	roleID := strconv.FormatInt(existing.ID, 10)
	if _, err := dest.Organizations.DeleteCustomRepoRole(ctx, org, roleID); err != nil && !apperrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete custom repository role %s in %s: %w", name, org, err)
	}
	return nil
}

// CreateAll replicates every custom repository role of a source organization
func (r *Roles) CreateAll(ctx context.Context, org string) error {
	client, err := r.clients.OrgClient(ctx, org)
	if err != nil {
		return err
	}
	roles, err := listRoles(ctx, client, org)
	if err != nil {
		return err
	}

	var errs []error
	for _, role := range roles {
		if err := r.create(ctx, org, role); err != nil {
			r.logger.Error("failed to create custom repository role", "org", org, "role", role.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

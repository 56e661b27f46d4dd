package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v55/github"

	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

const msgOrgNameUnavailable = "Organization name is not available"

// Organizations reconciles destination organizations. Creating an
// organization cascades to its repositories, custom roles and teams.
type Organizations struct {
	clients Clients
	repos   *Repositories
	roles   *Roles
	teams   *Teams
	owner   string
	logger  *slog.Logger
}

// NewOrganizations creates an organization reconciler. owner becomes the
// owner of every organization created on the destination.
func NewOrganizations(clients Clients, repos *Repositories, roles *Roles, teams *Teams, owner string, logger *slog.Logger) *Organizations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Organizations{clients: clients, repos: repos, roles: roles, teams: teams, owner: owner, logger: logger}
}

// Create installs the app on the source organization, creates the
// organization on the destination and then everything it contains.
// Repositories and roles come before teams, which may reference both.
func (o *Organizations) Create(ctx context.Context, org string) error {
	installationID, err := o.clients.InstallApp(ctx, org)
	if err != nil {
		return err
	}
	if installationID == 0 {
		o.logger.Warn("organization does not exist on the source, skipping creation", "org", org)
		return nil
	}
	// warm the token cache with the id we already know
	if _, err := o.clients.OrgClientWithInstallation(ctx, org, installationID); err != nil {
		return err
	}

	o.logger.Info("creating organization", "org", org, "owner", o.owner)
	_, _, err = o.clients.Destination().Admin.CreateOrg(ctx, &github.Organization{Login: github.String(org)}, o.owner)
	if err != nil {
		if apperrors.StatusCode(err) != http.StatusUnprocessableEntity || !apperrors.HasMessage(err, msgOrgNameUnavailable) {
			return fmt.Errorf("failed to create organization %s: %w", org, err)
		}
		o.logger.Info("organization already exists, skipping creation", "org", org)
	}

	var errs []error
	if err := o.repos.CreateAll(ctx, org); err != nil {
		errs = append(errs, err)
	}
	if err := o.roles.CreateAll(ctx, org); err != nil {
		errs = append(errs, err)
	}
	if err := o.teams.CreateAll(ctx, org); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Delete deletes the organization on the destination
func (o *Organizations) Delete(ctx context.Context, org string) error {
	o.logger.Info("deleting organization", "org", org)
	o.clients.Forget(org)
	_, err := o.clients.Destination().Organizations.Delete(ctx, org)
	if err != nil && !apperrors.IsAccepted(err) {
		if apperrors.IsNotFound(err) {
			o.logger.Info("organization does not exist, skipping deletion", "org", org)
			return nil
		}
		return fmt.Errorf("failed to delete organization %s: %w", org, err)
	}
	return nil
}

// Rename renames oldLogin to newLogin on the destination. When oldLogin is
// unknown there, the organization is created under newLogin instead.
func (o *Organizations) Rename(ctx context.Context, oldLogin, newLogin string) error {
	o.logger.Info("renaming organization", "org", oldLogin, "new_login", newLogin)
	o.clients.Forget(oldLogin)
	_, _, err := o.clients.Destination().Admin.RenameOrgByName(ctx, oldLogin, newLogin)
	if err == nil || apperrors.IsAccepted(err) {
		return nil
	}
	if !apperrors.IsNotFound(err) {
		return fmt.Errorf("failed to rename organization %s: %w", oldLogin, err)
	}

	o.logger.Info("organization does not exist, creating it under its new login", "org", oldLogin, "new_login", newLogin)
	return o.Create(ctx, newLogin)
}

// Reset deletes on the destination every team of a source organization
func (o *Organizations) Reset(ctx context.Context, org string) error {
	return o.teams.DeleteAll(ctx, org)
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/shurcooL/githubv4"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

const msgRepoNameExists = "name already exists on this account"

// CreateStatus tells a fresh repository from one that was already there
type CreateStatus string

const (
	Created  CreateStatus = "created"
	Existing CreateStatus = "existing"
)

// Repositories reconciles destination repositories and their mirrors
type Repositories struct {
	clients  Clients
	mirror   Mirrorer
	failures FailureRecorder // optional
	logger   *slog.Logger
}

// NewRepositories creates a repository reconciler. failures may be nil.
func NewRepositories(clients Clients, mirror Mirrorer, failures FailureRecorder, logger *slog.Logger) *Repositories {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repositories{clients: clients, mirror: mirror, failures: failures, logger: logger}
}

// Create creates the repository on the destination
func (r *Repositories) Create(ctx context.Context, repo domain.Repository) (CreateStatus, error) {
	r.logger.Info("creating repository", "repo", repo.FullName(), "visibility", repo.Visibility)

	_, _, err := r.clients.Destination().Repositories.Create(ctx, repo.Org, &github.Repository{
		Name:       github.String(repo.Name),
		Visibility: github.String(string(repo.Visibility)),
	})
	if err != nil {
		if apperrors.StatusCode(err) == http.StatusUnprocessableEntity && apperrors.HasMessage(err, msgRepoNameExists) {
			r.logger.Info("repository already exists, skipping creation", "repo", repo.FullName())
			return Existing, nil
		}
		return "", fmt.Errorf("failed to create repository %s: %w", repo.FullName(), err)
	}
	return Created, nil
}

// CreateAndMirror creates the repository then mirrors its content. A
// mirror failure is logged and recorded for a later pass, not returned.
func (r *Repositories) CreateAndMirror(ctx context.Context, repo domain.Repository) error {
	if _, err := r.Create(ctx, repo); err != nil {
		return err
	}
	if err := r.Mirror(ctx, repo); err != nil {
		r.logger.Error("mirror failed", "repo", repo.FullName(), "error", err)
	}
	return nil
}

// Mirror pushes the content of the source repository to the destination
func (r *Repositories) Mirror(ctx context.Context, repo domain.Repository) error {
	err := r.mirrorOnce(ctx, repo)
	if r.failures == nil {
		return err
	}

	if err != nil {
		failure := &domain.MirrorFailure{Org: repo.Org, Repo: repo.Name, Error: err.Error(), UpdatedAt: time.Now()}
		if recErr := r.failures.RecordMirrorFailure(ctx, failure); recErr != nil {
			r.logger.Warn("failed to record mirror failure", "repo", repo.FullName(), "error", recErr)
		}
		return err
	}
	if clearErr := r.failures.ClearMirrorFailure(ctx, repo.Org, repo.Name); clearErr != nil {
		r.logger.Warn("failed to clear mirror failure", "repo", repo.FullName(), "error", clearErr)
	}
	return nil
}

func (r *Repositories) mirrorOnce(ctx context.Context, repo domain.Repository) error {
	sourceURL, err := r.clients.SourceRepoURL(ctx, repo.Org, repo.Name)
	if err != nil {
		return err
	}
	destURL, err := r.clients.DestinationRepoURL(repo.Org, repo.Name)
	if err != nil {
		return err
	}
	return r.mirror.Mirror(ctx, repo.Org, repo.Name, sourceURL, destURL)
}

// Delete deletes the repository on the destination and its local mirror.
// A repository that is already gone, or that only an owner may delete, is
// not an error.
func (r *Repositories) Delete(ctx context.Context, repo domain.Repository) error {
	if err := r.deleteRemote(ctx, repo.Org, repo.Name); err != nil {
		return err
	}
	return r.mirror.Delete(repo.Org, repo.Name)
}

func (r *Repositories) deleteRemote(ctx context.Context, org, name string) error {
	r.logger.Info("deleting repository", "repo", org+"/"+name)

	_, err := r.clients.Destination().Repositories.Delete(ctx, org, name)
	switch apperrors.StatusCode(err) {
	case 0:
		if err != nil {
			return fmt.Errorf("failed to delete repository %s/%s: %w", org, name, err)
		}
		return nil
	case http.StatusForbidden:
		r.logger.Warn("repository could not be deleted, only an organization owner may delete it", "repo", org+"/"+name)
		return nil
	case http.StatusNotFound:
		r.logger.Info("repository does not exist, skipping deletion", "repo", org+"/"+name)
		return nil
	}
	return fmt.Errorf("failed to delete repository %s/%s: %w", org, name, err)
}

// Rename renames oldName to repo.Name on the destination, then renames the
// local mirror. When the new name is already taken the rename is assumed
// done and the stale old repository is deleted.
func (r *Repositories) Rename(ctx context.Context, repo domain.Repository, oldName string) error {
	r.logger.Info("renaming repository", "repo", repo.Org+"/"+oldName, "new_name", repo.Name)

	_, _, err := r.clients.Destination().Repositories.Edit(ctx, repo.Org, oldName, &github.Repository{
		Name: github.String(repo.Name),
	})
	switch apperrors.StatusCode(err) {
	case 0:
		if err != nil {
			return fmt.Errorf("failed to rename repository %s/%s: %w", repo.Org, oldName, err)
		}
	case http.StatusForbidden:
		r.logger.Warn("repository could not be renamed: forbidden", "repo", repo.Org+"/"+oldName)
	case http.StatusNotFound:
		r.logger.Info("repository does not exist, skipping rename", "repo", repo.Org+"/"+oldName)
	case http.StatusUnprocessableEntity:
		if !apperrors.HasMessage(err, msgRepoNameExists) {
			return fmt.Errorf("failed to rename repository %s/%s: %w", repo.Org, oldName, err)
		}
		r.logger.Info("target name already exists, deleting the old repository", "repo", repo.Org+"/"+oldName, "new_name", repo.Name)
		if err := r.deleteRemote(ctx, repo.Org, oldName); err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to rename repository %s/%s: %w", repo.Org, oldName, err)
	}

	return r.mirror.Rename(repo.Org, oldName, repo.Name)
}

// repositoriesQuery lists the repositories of an organization
type repositoriesQuery struct {
	Organization struct {
		Repositories struct {
			Nodes []struct {
				Name       string
				Visibility string
			}
			PageInfo struct {
				HasNextPage bool
				EndCursor   githubv4.String
			}
		} `graphql:"repositories(first: 100, after: $cursor)"`
	} `graphql:"organization(login: $login)"`
}

// CreateAll creates and mirrors every repository of a source organization,
// one at a time
func (r *Repositories) CreateAll(ctx context.Context, org string) error {
	gql, err := r.clients.OrgGraphQL(ctx, org)
	if err != nil {
		return err
	}

	r.logger.Debug("creating repositories", "org", org)
	vars := map[string]interface{}{
		"login":  githubv4.String(org),
		"cursor": (*githubv4.String)(nil),
	}

	var errs []error
	for {
		var q repositoriesQuery
		if err := gql.Query(ctx, &q, vars); err != nil {
			return errors.Join(append(errs, fmt.Errorf("failed to list repositories of %s: %w", org, err))...)
		}

		for _, node := range q.Organization.Repositories.Nodes {
			repo := domain.Repository{Org: org, Name: node.Name, Visibility: domain.ParseVisibility(node.Visibility)}
			if err := r.CreateAndMirror(ctx, repo); err != nil {
				r.logger.Error("failed to create repository", "repo", repo.FullName(), "error", err)
				errs = append(errs, err)
			}
		}

		if !q.Organization.Repositories.PageInfo.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(q.Organization.Repositories.PageInfo.EndCursor)
	}
	return errors.Join(errs...)
}

// Package reconcile applies source changes to the destination host. Every
// operation is idempotent: conflicts that mean "already in the desired
// state" are logged and treated as success.
package reconcile

import (
	"context"

	"github.com/google/go-github/v55/github"
	"github.com/shurcooL/githubv4"

	"github.com/kurihiro0119/octomirror/internal/domain"
)

// Clients is what the reconcilers need from the credential broker
type Clients interface {
	Destination() *github.Client
	SourceAudit() *github.Client
	OrgClient(ctx context.Context, org string) (*github.Client, error)
	OrgClientWithInstallation(ctx context.Context, org string, installationID int64) (*github.Client, error)
	OrgGraphQL(ctx context.Context, org string) (*githubv4.Client, error)
	InstallApp(ctx context.Context, org string) (int64, error)
	Forget(org string)
	SourceRepoURL(ctx context.Context, org, repo string) (string, error)
	DestinationRepoURL(org, repo string) (string, error)
}

// Mirrorer maintains the local git mirrors
type Mirrorer interface {
	Mirror(ctx context.Context, org, repo, sourceURL, destURL string) error
	Delete(org, repo string) error
	Rename(org, oldName, newName string) error
}

// FailureRecorder keeps track of mirrors that need another pass
type FailureRecorder interface {
	RecordMirrorFailure(ctx context.Context, failure *domain.MirrorFailure) error
	ClearMirrorFailure(ctx context.Context, org, repo string) error
}

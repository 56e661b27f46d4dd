package broker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v55/github"

	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

var errNotInitialized = apperrors.NewInternalError("broker not initialized", nil)

func (b *Broker) enterpriseClient() (*github.Client, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.enterprise == nil {
		return nil, "", errNotInitialized
	}
	return b.enterprise, b.enterpriseSlug, nil
}

// InstallApp installs the app on a source organization with access to all
// of its repositories. It returns the installation id, or 0 when the
// organization does not exist on the source.
func (b *Broker) InstallApp(ctx context.Context, org string) (int64, error) {
	client, enterprise, err := b.enterpriseClient()
	if err != nil {
		return 0, err
	}

	body := map[string]string{
		"client_id":            b.cfg.ClientID,
		"repository_selection": "all",
	}
	req, err := client.NewRequest(http.MethodPost, fmt.Sprintf("enterprises/%s/apps/organizations/%s/installations", enterprise, org), body)
	if err != nil {
		return 0, err
	}

	var inst appInstallation
	resp, err := client.Do(ctx, req, &inst)
	if err != nil {
		if apperrors.StatusCode(err) == http.StatusNotFound {
			b.logger.Info("app not installed, organization does not exist", "app", b.cfg.AppSlug, "org", org)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to install app on %s: %w", org, err)
	}

	if resp.StatusCode == http.StatusCreated {
		b.logger.Info("app installed", "app", b.cfg.AppSlug, "org", org, "installation_id", inst.ID)
	} else {
		b.logger.Info("app already installed", "app", b.cfg.AppSlug, "org", org, "installation_id", inst.ID)
	}
	return inst.ID, nil
}

// Installation returns the id of the app installation on org, or 0 when
// the app is not installed there
func (b *Broker) Installation(ctx context.Context, org string) (int64, error) {
	client, enterprise, err := b.enterpriseClient()
	if err != nil {
		return 0, err
	}

	page := 1
	for {
		req, err := client.NewRequest(http.MethodGet,
			fmt.Sprintf("enterprises/%s/apps/organizations/%s/installations?per_page=100&page=%d", enterprise, org, page), nil)
		if err != nil {
			return 0, err
		}
		var installations []appInstallation
		resp, err := client.Do(ctx, req, &installations)
		if err != nil {
			return 0, fmt.Errorf("failed to list installations of %s: %w", org, err)
		}

		for _, inst := range installations {
			if inst.AppSlug == b.cfg.AppSlug {
				return inst.ID, nil
			}
		}

		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}

	b.logger.Info("organization has no installation of the app", "org", org, "app", b.cfg.AppSlug)
	return 0, nil
}

// issueToken mints an installation token for org. A missing installation
// and a refused issuance both surface as an auth error.
func (b *Broker) issueToken(ctx context.Context, org string, installationID int64) (domain.InstallationToken, error) {
	if installationID == 0 {
		id, err := b.Installation(ctx, org)
		if err != nil {
			return domain.InstallationToken{}, apperrors.NewAuthError(org, err)
		}
		if id == 0 {
			return domain.InstallationToken{}, apperrors.NewAuthError(org, nil)
		}
		installationID = id
	}

	tok, _, err := b.app.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return domain.InstallationToken{}, apperrors.NewAuthError(org, err)
	}

	return domain.InstallationToken{
		Org:       org,
		Token:     tok.GetToken(),
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

// InstallableOrganizations lists the source organizations the app can be
// installed on. In development the TEST_ORG allowlist replaces the listing.
func (b *Broker) InstallableOrganizations(ctx context.Context) ([]string, error) {
	if b.cfg.IsDevelopment() && len(b.cfg.TestOrgs) > 0 {
		b.logger.Info("using test organizations", "orgs", b.cfg.TestOrgs)
		return b.cfg.TestOrgs, nil
	}

	client, enterprise, err := b.enterpriseClient()
	if err != nil {
		return nil, err
	}

	var orgs []string
	// The endpoint does not advertise further pages, so keep going until a
	// short page comes back.
	for page := 1; ; page++ {
		req, err := client.NewRequest(http.MethodGet,
			fmt.Sprintf("enterprises/%s/apps/installable_organizations?per_page=100&page=%d", enterprise, page), nil)
		if err != nil {
			return nil, err
		}
		var installable []struct {
			Login string `json:"login"`
		}
		if _, err := client.Do(ctx, req, &installable); err != nil {
			return nil, fmt.Errorf("failed to list installable organizations: %w", err)
		}

		for _, o := range installable {
			orgs = append(orgs, o.Login)
		}
		if len(installable) < 100 {
			return orgs, nil
		}
	}
}

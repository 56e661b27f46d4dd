package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v55/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/kurihiro0119/octomirror/internal/config"
	"github.com/kurihiro0119/octomirror/internal/domain"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

const (
	dotcomURL    = "https://github.com"
	dotcomAPIURL = "https://api.github.com/"

	// DefaultMinRequestInterval is the spacing applied between two calls to
	// the same host
	DefaultMinRequestInterval = 100 * time.Millisecond

	// tokens are renewed this long before they expire
	tokenExpiryMargin = time.Minute
)

// Options tunes how the broker reaches both hosts
type Options struct {
	// Transport is the base transport for every outbound call
	Transport          http.RoundTripper
	MinRequestInterval time.Duration
	Now                func() time.Time
	Logger             *slog.Logger
}

// Broker hands out authenticated clients for the source and destination
// hosts and caches per-organization installation tokens
type Broker struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	sourceAPIURL     string
	sourceGraphQLURL string
	sourceTransport  http.RoundTripper
	destTransport    http.RoundTripper

	appTransport *ghinstallation.AppsTransport
	app          *github.Client
	sourceAudit  *github.Client
	destination  *github.Client

	mu               sync.RWMutex
	enterprise       *github.Client
	enterpriseSlug   string
	enterpriseInstID int64
	tokens           map[string]domain.InstallationToken
}

// New creates a broker. The fixed PAT clients and the app client are built
// immediately; Initialize must be called before any installation-scoped
// client can be obtained.
func New(cfg *config.Config, privateKey []byte, opts Options) (*Broker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	sourceAPIURL, sourceGraphQLURL := sourceEndpoints(cfg.DotcomURL)
	sourceTransport := newRateLimitedTransport(opts.Transport, NewRateLimiter(opts.MinRequestInterval, logger.With("host", "source")))
	destTransport := newRateLimitedTransport(opts.Transport, NewRateLimiter(opts.MinRequestInterval, logger.With("host", "destination")))

	appTransport, err := ghinstallation.NewAppsTransport(sourceTransport, cfg.AppID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load app private key: %w", err)
	}
	appTransport.BaseURL = strings.TrimSuffix(sourceAPIURL, "/")

	b := &Broker{
		cfg:              cfg,
		logger:           logger,
		now:              now,
		sourceAPIURL:     sourceAPIURL,
		sourceGraphQLURL: sourceGraphQLURL,
		sourceTransport:  sourceTransport,
		destTransport:    destTransport,
		appTransport:     appTransport,
		tokens:           make(map[string]domain.InstallationToken),
	}

	if b.app, err = newClient(b.httpClient(appTransport), sourceAPIURL); err != nil {
		return nil, err
	}
	if b.sourceAudit, err = newClient(b.tokenHTTPClient(sourceTransport, cfg.DotcomPAT), sourceAPIURL); err != nil {
		return nil, err
	}
	if b.destination, err = newClient(b.tokenHTTPClient(destTransport, cfg.GHESPAT), cfg.GHESURL+"/api/v3/"); err != nil {
		return nil, err
	}
	return b, nil
}

// sourceEndpoints returns the REST and GraphQL roots of the source host.
// github.com is served from api.github.com, any other host from /api.
func sourceEndpoints(hostURL string) (rest, graphql string) {
	if hostURL == dotcomURL {
		return dotcomAPIURL, "https://api.github.com/graphql"
	}
	return hostURL + "/api/v3/", hostURL + "/api/graphql"
}

func newClient(httpClient *http.Client, apiURL string) (*github.Client, error) {
	client := github.NewClient(httpClient)
	if apiURL == dotcomAPIURL {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(apiURL, apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API url %s: %w", apiURL, err)
	}
	return client, nil
}

func (b *Broker) httpClient(tr http.RoundTripper) *http.Client {
	return &http.Client{Transport: tr, Timeout: b.cfg.RequestTimeout}
}

func (b *Broker) tokenHTTPClient(base http.RoundTripper, token string) *http.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return b.httpClient(&oauth2.Transport{Source: ts, Base: base})
}

// appInstallation is the subset of an installation the broker relies on
type appInstallation struct {
	ID         int64  `json:"id"`
	AppSlug    string `json:"app_slug"`
	TargetType string `json:"target_type"`
	Account    struct {
		Login string `json:"login"`
		Slug  string `json:"slug"`
	} `json:"account"`
}

// Initialize authenticates as the app and discovers its enterprise
// installation. It fails when the app is not installed on an enterprise.
func (b *Broker) Initialize(ctx context.Context) error {
	app, _, err := b.app.Apps.Get(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to authenticate as app: %w", err)
	}
	b.logger.Info("app authenticated", "app", app.GetName(), "owner", app.GetOwner().GetLogin())

	page := 1
	for {
		req, err := b.app.NewRequest(http.MethodGet, fmt.Sprintf("app/installations?per_page=100&page=%d", page), nil)
		if err != nil {
			return err
		}
		var installations []appInstallation
		resp, err := b.app.Do(ctx, req, &installations)
		if err != nil {
			return fmt.Errorf("failed to list app installations: %w", err)
		}

		for _, inst := range installations {
			if inst.TargetType != "Enterprise" {
				continue
			}
			slug := inst.Account.Slug
			if slug == "" {
				slug = b.cfg.EnterpriseSlug
			}
			enterprise, err := newClient(b.httpClient(ghinstallation.NewFromAppsTransport(b.appTransport, inst.ID)), b.sourceAPIURL)
			if err != nil {
				return err
			}

			b.mu.Lock()
			b.enterprise = enterprise
			b.enterpriseSlug = slug
			b.enterpriseInstID = inst.ID
			b.mu.Unlock()

			b.logger.Info("broker is ready", "enterprise", slug, "installation_id", inst.ID)
			return nil
		}

		if resp.NextPage == 0 {
			break
		}
		page = resp.NextPage
	}

	return apperrors.NewNotFoundError("enterprise installation of app " + b.cfg.AppSlug)
}

// Ready reports whether the enterprise installation has been discovered
func (b *Broker) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enterprise != nil && b.enterpriseSlug != ""
}

// WaitReady polls Ready until it holds or ctx is done
func (b *Broker) WaitReady(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !b.Ready() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// EnterpriseSlug returns the slug discovered by Initialize
func (b *Broker) EnterpriseSlug() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.enterpriseSlug == "" {
		return b.cfg.EnterpriseSlug
	}
	return b.enterpriseSlug
}

// Destination returns the PAT client of the destination host
func (b *Broker) Destination() *github.Client {
	return b.destination
}

// SourceAudit returns the PAT client of the source host, used for the
// enterprise audit log and for org-wide listings
func (b *Broker) SourceAudit() *github.Client {
	return b.sourceAudit
}

// SourceEnterprise returns the client authenticated as the enterprise
// installation, or nil before Initialize
func (b *Broker) SourceEnterprise() *github.Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enterprise
}

// OrgClient returns a source client authenticated as the app installed on org
func (b *Broker) OrgClient(ctx context.Context, org string) (*github.Client, error) {
	return b.OrgClientWithInstallation(ctx, org, 0)
}

// OrgClientWithInstallation is OrgClient with a known installation id,
// sparing the installation lookup when a new token has to be issued
func (b *Broker) OrgClientWithInstallation(ctx context.Context, org string, installationID int64) (*github.Client, error) {
	token, err := b.token(ctx, org, installationID)
	if err != nil {
		return nil, err
	}
	return newClient(b.tokenHTTPClient(b.sourceTransport, token.Token), b.sourceAPIURL)
}

// OrgGraphQL returns a source GraphQL client authenticated as the app
// installed on org
func (b *Broker) OrgGraphQL(ctx context.Context, org string) (*githubv4.Client, error) {
	token, err := b.token(ctx, org, 0)
	if err != nil {
		return nil, err
	}
	httpClient := b.tokenHTTPClient(b.sourceTransport, token.Token)
	if b.sourceAPIURL == dotcomAPIURL {
		return githubv4.NewClient(httpClient), nil
	}
	return githubv4.NewEnterpriseClient(b.sourceGraphQLURL, httpClient), nil
}

// token returns the cached installation token of org, issuing a new one
// when none is cached or the cached one is about to expire
func (b *Broker) token(ctx context.Context, org string, installationID int64) (domain.InstallationToken, error) {
	b.mu.RLock()
	cached, ok := b.tokens[org]
	b.mu.RUnlock()
	if ok && cached.Valid(b.now(), tokenExpiryMargin) {
		b.logger.Debug("installation token cache hit", "org", org)
		return cached, nil
	}

	token, err := b.issueToken(ctx, org, installationID)
	if err != nil {
		return domain.InstallationToken{}, err
	}

	b.mu.Lock()
	b.tokens[org] = token
	b.mu.Unlock()
	b.logger.Info("installation token retrieved", "org", org)
	return token, nil
}

// Forget drops the cached token of org
func (b *Broker) Forget(org string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tokens, org)
}

// SourceRepoURL returns the git URL of a source repository with the app
// token of its organization embedded. Never log it unredacted.
func (b *Broker) SourceRepoURL(ctx context.Context, org, repo string) (string, error) {
	token, err := b.token(ctx, org, 0)
	if err != nil {
		return "", err
	}
	return repoURL(b.cfg.DotcomURL, url.UserPassword("x-access-token", token.Token), org, repo)
}

// DestinationRepoURL returns the git URL of a destination repository with
// the admin PAT embedded. Never log it unredacted.
func (b *Broker) DestinationRepoURL(org, repo string) (string, error) {
	return repoURL(b.cfg.GHESURL, url.User(b.cfg.GHESPAT), org, repo)
}

func repoURL(hostURL string, user *url.Userinfo, org, repo string) (string, error) {
	u, err := url.Parse(hostURL)
	if err != nil {
		return "", fmt.Errorf("invalid host url %s: %w", hostURL, err)
	}
	u.User = user
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + org + "/" + repo
	return u.String(), nil
}

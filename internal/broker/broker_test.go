package broker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/octomirror/internal/config"
	apperrors "github.com/kurihiro0119/octomirror/internal/errors"
)

// fakeSource serves the app and installation endpoints of a source host
type fakeSource struct {
	mu          sync.Mutex
	tokenCalls  map[string]int
	lookupCalls int
	expiresAt   string
	installable []string
}

func (f *fakeSource) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls[id]
}

func (f *fakeSource) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/app", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"octomirror","owner":{"login":"acme-ent"}}`)
	})
	mux.HandleFunc("GET /api/v3/app/installations", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":7,"target_type":"Organization","account":{"login":"other"}},
			{"id":42,"target_type":"Enterprise","account":{"slug":"acme-ent"}}]`)
	})
	mux.HandleFunc("POST /api/v3/app/installations/{id}/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls[r.PathValue("id")]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token":"ghs_%s","expires_at":%q}`, r.PathValue("id"), f.expiresAt)
	})
	mux.HandleFunc("GET /api/v3/enterprises/acme-ent/apps/organizations/{org}/installations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.lookupCalls++
		f.mu.Unlock()
		if r.PathValue("org") == "acme" {
			fmt.Fprint(w, `[{"id":5,"app_slug":"someone-else"},{"id":99,"app_slug":"octomirror"}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("POST /api/v3/enterprises/acme-ent/apps/organizations/{org}/installations", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("org") {
		case "acme":
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":99,"app_slug":"octomirror"}`)
		case "installed":
			fmt.Fprint(w, `{"id":100,"app_slug":"octomirror"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		}
	})
	mux.HandleFunc("GET /api/v3/enterprises/acme-ent/apps/installable_organizations", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		var logins []string
		if page == "1" {
			logins = f.installable[:min(100, len(f.installable))]
		} else if page == "2" && len(f.installable) > 100 {
			logins = f.installable[100:]
		}
		parts := make([]string, 0, len(logins))
		for _, l := range logins {
			parts = append(parts, fmt.Sprintf(`{"login":%q}`, l))
		}
		fmt.Fprint(w, "["+strings.Join(parts, ",")+"]")
	})
	mux.HandleFunc("GET /api/v3/orgs/{org}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"login":%q,"description":%q}`, r.PathValue("org"), r.Header.Get("Authorization"))
	})
	return mux
}

func testPrivateKey(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func newTestBroker(t *testing.T, src *fakeSource, now func() time.Time) (*Broker, *config.Config) {
	t.Helper()
	if src.tokenCalls == nil {
		src.tokenCalls = make(map[string]int)
	}
	if src.expiresAt == "" {
		src.expiresAt = "2099-01-01T00:00:00Z"
	}
	server := httptest.NewServer(src.handler())
	t.Cleanup(server.Close)

	cfg := &config.Config{
		EnterpriseSlug: "acme-ent",
		AppID:          1,
		AppSlug:        "octomirror",
		ClientID:       "Iv1.abc",
		DotcomURL:      server.URL,
		DotcomPAT:      "ghp_src",
		GHESURL:        server.URL,
		GHESPAT:        "ghp_dest",
		RequestTimeout: 5 * time.Second,
	}
	b, err := New(cfg, testPrivateKey(t), Options{Now: now})
	require.NoError(t, err)
	return b, cfg
}

func TestInitializeDiscoversEnterpriseInstallation(t *testing.T) {
	b, _ := newTestBroker(t, &fakeSource{}, nil)
	assert.False(t, b.Ready())
	assert.Nil(t, b.SourceEnterprise())

	require.NoError(t, b.Initialize(context.Background()))
	assert.True(t, b.Ready())
	assert.Equal(t, "acme-ent", b.EnterpriseSlug())
	assert.NotNil(t, b.SourceEnterprise())
	assert.NoError(t, b.WaitReady(context.Background(), time.Millisecond))
}

func TestOrgClientBeforeInitialize(t *testing.T) {
	b, _ := newTestBroker(t, &fakeSource{}, nil)
	_, err := b.OrgClient(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))
}

func TestOrgClientReusesCachedToken(t *testing.T) {
	src := &fakeSource{}
	b, _ := newTestBroker(t, src, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	client, err := b.OrgClient(ctx, "acme")
	require.NoError(t, err)
	org, _, err := client.Organizations.Get(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Bearer ghs_99", org.GetDescription())

	_, err = b.OrgClient(ctx, "acme")
	require.NoError(t, err)
	_, err = b.OrgGraphQL(ctx, "acme")
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls("99"))
	assert.Equal(t, 1, src.lookupCalls)
}

func TestOrgClientWithInstallationSkipsLookup(t *testing.T) {
	src := &fakeSource{}
	b, _ := newTestBroker(t, src, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	_, err := b.OrgClientWithInstallation(ctx, "acme", 99)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls("99"))
	assert.Equal(t, 0, src.lookupCalls)
}

func TestForgetDropsCachedToken(t *testing.T) {
	src := &fakeSource{}
	b, _ := newTestBroker(t, src, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	_, err := b.OrgClientWithInstallation(ctx, "acme", 99)
	require.NoError(t, err)
	b.Forget("acme")
	_, err = b.OrgClientWithInstallation(ctx, "acme", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls("99"))
}

func TestOrgClientRenewsExpiringToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{expiresAt: now.Add(30 * time.Second).Format(time.RFC3339)}
	b, _ := newTestBroker(t, src, func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	_, err := b.OrgClientWithInstallation(ctx, "acme", 99)
	require.NoError(t, err)
	_, err = b.OrgClientWithInstallation(ctx, "acme", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls("99"))
}

func TestOrgClientWithoutInstallationIsAuthError(t *testing.T) {
	b, _ := newTestBroker(t, &fakeSource{}, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	_, err := b.OrgClient(ctx, "ghost")
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthError(err))
}

func TestRepoURLs(t *testing.T) {
	b, cfg := newTestBroker(t, &fakeSource{}, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	src, err := b.SourceRepoURL(ctx, "acme", "widgets")
	require.NoError(t, err)
	host := strings.TrimPrefix(cfg.DotcomURL, "http://")
	assert.Equal(t, "http://x-access-token:ghs_99@"+host+"/acme/widgets", src)

	dst, err := b.DestinationRepoURL("acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "http://ghp_dest@"+host+"/acme/widgets", dst)
}

func TestInstallApp(t *testing.T) {
	b, _ := newTestBroker(t, &fakeSource{}, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	id, err := b.InstallApp(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)

	id, err = b.InstallApp(ctx, "installed")
	require.NoError(t, err)
	assert.Equal(t, int64(100), id)

	id, err = b.InstallApp(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestInstallableOrganizations(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 101; i++ {
		src.installable = append(src.installable, fmt.Sprintf("org-%03d", i))
	}
	b, cfg := newTestBroker(t, src, nil)
	ctx := context.Background()
	require.NoError(t, b.Initialize(ctx))

	orgs, err := b.InstallableOrganizations(ctx)
	require.NoError(t, err)
	assert.Len(t, orgs, 101)
	assert.Equal(t, "org-100", orgs[100])

	cfg.Environment = "Development"
	cfg.TestOrgs = []string{"sandbox"}
	orgs, err = b.InstallableOrganizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sandbox"}, orgs)
}

func TestSourceEndpoints(t *testing.T) {
	rest, graphql := sourceEndpoints("https://github.com")
	assert.Equal(t, "https://api.github.com/", rest)
	assert.Equal(t, "https://api.github.com/graphql", graphql)

	rest, graphql = sourceEndpoints("https://octodemo.ghe.com")
	assert.Equal(t, "https://octodemo.ghe.com/api/v3/", rest)
	assert.Equal(t, "https://octodemo.ghe.com/api/graphql", graphql)
}

func TestRateLimitedTransportReadsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Reset", "4102444800")
	}))
	defer server.Close()

	limiter := NewRateLimiter(0, nil)
	client := &http.Client{Transport: newRateLimitedTransport(nil, limiter)}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	remaining, reset, err := limiter.CheckLimit()
	require.NoError(t, err)
	assert.Equal(t, 42, remaining)
	assert.Equal(t, int64(4102444800), reset.Unix())
}

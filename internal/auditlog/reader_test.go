package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurihiro0119/octomirror/internal/domain"
)

// pagedLog serves pages of audit entries chained by "after" cursors
func pagedLog(t *testing.T, pages [][]domain.AuditEntry, requests *int32) *github.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(requests, 1)
		assert.Equal(t, "/api/v3/enterprises/acme-ent/audit-log", r.URL.Path)
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		assert.Contains(t, r.URL.Query().Get("phrase"), "action:repo.create")

		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			_, err := fmt.Sscanf(after, "cursor-%d", &idx)
			assert.NoError(t, err)
		}
		if idx >= len(pages) {
			t.Errorf("unexpected request for page %d", idx)
			fmt.Fprint(w, `[]`)
			return
		}
		if idx+1 < len(pages) {
			w.Header().Set("Link", fmt.Sprintf(`<%s%s?after=cursor-%d>; rel="next"`, "http://"+r.Host, r.URL.Path, idx+1))
		}
		assert.NoError(t, json.NewEncoder(w).Encode(pages[idx]))
	}))
	t.Cleanup(server.Close)

	client, err := github.NewClient(nil).WithEnterpriseURLs(server.URL+"/api/v3/", server.URL+"/api/v3/")
	require.NoError(t, err)
	return client
}

func entry(action domain.Action, createdAt int64) domain.AuditEntry {
	return domain.AuditEntry{
		DocumentID: fmt.Sprintf("doc-%d", createdAt),
		Action:     action,
		Org:        "acme",
		CreatedAt:  createdAt,
	}
}

func createdAts(events []domain.AuditEntry) []int64 {
	out := make([]int64, 0, len(events))
	for _, e := range events {
		out = append(out, e.CreatedAt)
	}
	return out
}

func TestEventsAscendingAndInclusiveOfCheckpoint(t *testing.T) {
	var requests int32
	client := pagedLog(t, [][]domain.AuditEntry{
		{entry(domain.ActionOrgCreate, 10), entry(domain.ActionRepoCreate, 9)},
		{entry(domain.ActionRepoCreate, 8), entry(domain.ActionRepoDestroy, 7)},
		{entry(domain.ActionRepoDestroy, 6)},
	}, &requests)

	events, err := NewReader(nil).Events(context.Background(), client, "acme-ent", time.UnixMilli(8))
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9, 10}, createdAts(events))
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestEventsReadsUntilLastPage(t *testing.T) {
	var requests int32
	client := pagedLog(t, [][]domain.AuditEntry{
		{entry(domain.ActionTeamCreate, 30), entry(domain.ActionTeamAddMember, 20)},
		{entry(domain.ActionRoleCreate, 10)},
	}, &requests)

	events, err := NewReader(nil).Events(context.Background(), client, "acme-ent", time.UnixMilli(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, createdAts(events))
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestEventsDropsUnhandledAndDuplicateEntries(t *testing.T) {
	var requests int32
	dup := entry(domain.ActionRepoCreate, 20)
	client := pagedLog(t, [][]domain.AuditEntry{
		{entry(domain.ActionRepoRename, 30), dup, entry("git.clone", 25)},
		{dup, entry(domain.ActionOrgCreate, 15)},
	}, &requests)

	events, err := NewReader(nil).Events(context.Background(), client, "acme-ent", time.UnixMilli(0))
	require.NoError(t, err)
	assert.Equal(t, []int64{15, 20, 30}, createdAts(events))
}

func TestEventsEmptyLog(t *testing.T) {
	var requests int32
	client := pagedLog(t, [][]domain.AuditEntry{{}}, &requests)

	events, err := NewReader(nil).Events(context.Background(), client, "acme-ent", time.UnixMilli(0))
	require.NoError(t, err)
	assert.Empty(t, events)
}

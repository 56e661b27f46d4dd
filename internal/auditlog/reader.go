package auditlog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v55/github"

	"github.com/kurihiro0119/octomirror/internal/domain"
)

const perPage = 100

// Reader pages through the enterprise audit log of the source host
type Reader struct {
	logger *slog.Logger
	phrase string
}

// NewReader creates a reader restricted to the actions the replication
// engine handles
func NewReader(logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	terms := make([]string, 0, len(domain.HandledActions))
	for _, action := range domain.HandledActions {
		terms = append(terms, "action:"+string(action))
	}
	return &Reader{logger: logger, phrase: strings.Join(terms, " ")}
}

// Events returns the audit entries created at or after since, oldest first.
//
// The API returns entries newest first. Pages are fetched until the first
// entry older than since, which ends the scan; everything before it is kept.
func (r *Reader) Events(ctx context.Context, client *github.Client, enterprise string, since time.Time) ([]domain.AuditEntry, error) {
	sinceMillis := since.UnixMilli()
	seen := make(map[string]bool)
	var events []domain.AuditEntry

	query := url.Values{}
	query.Set("phrase", r.phrase)
	query.Set("order", "desc")
	query.Set("per_page", strconv.Itoa(perPage))

	for pages := 1; ; pages++ {
		req, err := client.NewRequest(http.MethodGet, fmt.Sprintf("enterprises/%s/audit-log?%s", enterprise, query.Encode()), nil)
		if err != nil {
			return nil, err
		}

		var page []domain.AuditEntry
		resp, err := client.Do(ctx, req, &page)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit log page %d: %w", pages, err)
		}

		for _, entry := range page {
			if entry.CreatedAt < sinceMillis {
				r.logger.Debug("reached sync checkpoint", "pages", pages, "events", len(events))
				slices.Reverse(events)
				return events, nil
			}
			if entry.DocumentID != "" {
				if seen[entry.DocumentID] {
					continue
				}
				seen[entry.DocumentID] = true
			}
			if entry.Action.Domain() == domain.DomainUnknown {
				continue
			}
			events = append(events, entry)
		}

		switch {
		case resp.After != "":
			query.Del("page")
			query.Set("after", resp.After)
		case resp.NextPage != 0:
			query.Set("page", strconv.Itoa(resp.NextPage))
		default:
			slices.Reverse(events)
			return events, nil
		}
	}
}

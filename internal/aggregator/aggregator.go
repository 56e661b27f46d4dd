package aggregator

import (
	"context"
	"sort"

	"github.com/kurihiro0119/octomirror/internal/domain"
	"github.com/kurihiro0119/octomirror/internal/storage"
)

// Aggregator defines the interface for summarizing the run journal
type Aggregator interface {
	// SummarizeRun aggregates the event outcomes of one run
	SummarizeRun(ctx context.Context, runID string) (*domain.RunSummary, error)

	// RecentRuns lists the latest runs, most recent first
	RecentRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error)

	// PendingMirrors lists the repositories whose mirror must be retried
	PendingMirrors(ctx context.Context) ([]*domain.MirrorFailure, error)
}

// aggregator implements the Aggregator interface
type aggregator struct {
	storage storage.Storage
}

// NewAggregator creates a new aggregator
func NewAggregator(storage storage.Storage) Aggregator {
	return &aggregator{
		storage: storage,
	}
}

// SummarizeRun aggregates the event outcomes of one run
func (a *aggregator) SummarizeRun(ctx context.Context, runID string) (*domain.RunSummary, error) {
	run, err := a.storage.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	outcomes, err := a.storage.GetOutcomes(ctx, runID)
	if err != nil {
		return nil, err
	}

	summary := Summarize(outcomes)
	summary.Run = *run
	return summary, nil
}

// Summarize counts outcomes per status and per domain
func Summarize(outcomes []*domain.EventOutcome) *domain.RunSummary {
	summary := &domain.RunSummary{}
	byDomain := make(map[domain.Domain]*domain.OutcomeCounts)

	for _, o := range outcomes {
		summary.Totals.Add(o.Status)

		counts, ok := byDomain[o.Domain]
		if !ok {
			counts = &domain.OutcomeCounts{}
			byDomain[o.Domain] = counts
		}
		counts.Add(o.Status)

		if o.Status == domain.OutcomeFailed || o.Status == domain.OutcomeRejected {
			summary.Problems = append(summary.Problems, *o)
		}
	}

	for d, counts := range byDomain {
		summary.Domains = append(summary.Domains, domain.DomainSummary{Domain: d, OutcomeCounts: *counts})
	}
	sort.Slice(summary.Domains, func(i, j int) bool {
		return summary.Domains[i].Domain < summary.Domains[j].Domain
	})

	return summary
}

// RecentRuns lists the latest runs, most recent first
func (a *aggregator) RecentRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error) {
	return a.storage.ListRuns(ctx, limit)
}

// PendingMirrors lists the repositories whose mirror must be retried
func (a *aggregator) PendingMirrors(ctx context.Context) ([]*domain.MirrorFailure, error) {
	return a.storage.GetMirrorFailures(ctx)
}

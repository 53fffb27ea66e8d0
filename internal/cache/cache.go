package cache

import (
	"context"
	"time"

	"notisq/backend/internal/domain"
)

// SummaryCache holds computed dashboard summaries per account. Entries are
// short-lived and invalidated whenever a reconciliation operation mutates
// that account's documents.
type SummaryCache interface {
	Get(ctx context.Context, accountID string) (*domain.DashboardSummary, bool, error)
	Set(ctx context.Context, accountID string, summary *domain.DashboardSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, accountID string) error
}

type NoopSummaryCache struct{}

func (NoopSummaryCache) Get(_ context.Context, _ string) (*domain.DashboardSummary, bool, error) {
	return nil, false, nil
}

func (NoopSummaryCache) Set(_ context.Context, _ string, _ *domain.DashboardSummary, _ time.Duration) error {
	return nil
}

func (NoopSummaryCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

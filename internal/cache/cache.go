package cache

import (
	"context"
	"time"

	"fiscalbridge/backend/internal/domain"
)

// ProviderCache holds ProviderCatalog entries close to the request path.
// Catalog rows are read-mostly reference data, so a short TTL is enough.
type ProviderCache interface {
	Get(ctx context.Context, code string) (*domain.ProviderEntry, bool, error)
	Set(ctx context.Context, code string, entry *domain.ProviderEntry, ttl time.Duration) error
}

type NoopProviderCache struct{}

func (NoopProviderCache) Get(_ context.Context, _ string) (*domain.ProviderEntry, bool, error) {
	return nil, false, nil
}

func (NoopProviderCache) Set(_ context.Context, _ string, _ *domain.ProviderEntry, _ time.Duration) error {
	return nil
}

package catalog

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"fiscalbridge/backend/internal/cache"
	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

// ProviderSource is the slice of the store the catalog needs.
type ProviderSource interface {
	GetProviderEntry(ctx context.Context, code string) (*domain.ProviderEntry, error)
}

// Catalog resolves provider protocol descriptions. Lookup order is cache,
// then database, then the built-in fallback table.
type Catalog struct {
	repo  ProviderSource
	cache cache.ProviderCache
	ttl   time.Duration
}

func New(repo ProviderSource, providerCache cache.ProviderCache, ttl time.Duration) *Catalog {
	if providerCache == nil {
		providerCache = cache.NoopProviderCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{repo: repo, cache: providerCache, ttl: ttl}
}

func (c *Catalog) Lookup(ctx context.Context, code string) (*domain.ProviderEntry, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return nil, store.ErrNotFound
	}

	if entry, ok, err := c.cache.Get(ctx, code); err == nil && ok {
		return entry, nil
	} else if err != nil {
		log.Printf("[catalog] WARN: cache get failed code=%s: %v", code, err)
	}

	entry, err := c.repo.GetProviderEntry(ctx, code)
	if err == nil {
		if cacheErr := c.cache.Set(ctx, code, entry, c.ttl); cacheErr != nil {
			log.Printf("[catalog] WARN: cache set failed code=%s: %v", code, cacheErr)
		}
		return entry, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if fallback, ok := BuiltinProvider(code); ok {
		log.Printf("[catalog] WARN: provider %s missing from catalog, using built-in fallback", code)
		return fallback, nil
	}

	return nil, store.ErrNotFound
}

package convo

import (
	"context"
	"log/slog"
	"time"

	"bodasure/internal/cache"
	"bodasure/internal/policy"
	"bodasure/internal/repo"
)

const catalogTTL = 10 * time.Minute

// Catalog serves the product list with a short redis cache in front of the
// database. Product rows change rarely and every buy flow reads them twice.
type Catalog struct {
	store  repo.Store
	cache  *cache.Redis
	logger *slog.Logger
}

// NewCatalog creates the cached product catalog.
func NewCatalog(store repo.Store, redisCache *cache.Redis, logger *slog.Logger) *Catalog {
	return &Catalog{
		store:  store,
		cache:  redisCache,
		logger: logger.With("component", "catalog"),
	}
}

// ByCategory lists active products for a coverage category.
func (c *Catalog) ByCategory(ctx context.Context, category string) ([]repo.Product, error) {
	key := "catalog:" + category
	if c.cache != nil {
		var cached []repo.Product
		if found, err := c.cache.GetJSON(ctx, key, &cached); err == nil && found {
			return cached, nil
		}
	}

	products, err := c.store.ListProductsByCategory(ctx, category)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, key, products, catalogTTL); err != nil {
			c.logger.Warn("failed caching catalog", "error", err, "category", category)
		}
	}
	return products, nil
}

// Reload drops the cached entries so the next read hits the database.
// Wired to the admin catalog-reload endpoint.
func (c *Catalog) Reload(ctx context.Context) {
	if c.cache == nil {
		return
	}
	for _, category := range []string{
		policy.CoverageThirdParty,
		policy.CoverageComprehensive,
		policy.CoveragePersonalAccident,
	} {
		if err := c.cache.Delete(ctx, "catalog:"+category); err != nil {
			c.logger.Warn("failed dropping catalog cache", "error", err, "category", category)
		}
	}
}

package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
)

const catalogNamespace = "catalog"

// CachedCatalog serves denominations and method commissions from cache.
// Currency prices and segment discounts always come from the source so that
// quotes and staleness checks see current market data.
type CachedCatalog struct {
	source domain.Catalog
	cache  domain.Cache
	ttl    time.Duration
}

// NewCachedCatalog wraps source with cache. A nil cache disables caching.
func NewCachedCatalog(source domain.Catalog, cache domain.Cache, ttl time.Duration) *CachedCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedCatalog{
		source: source,
		cache:  cache,
		ttl:    ttl,
	}
}

// GetCurrency reads through to the source.
func (c *CachedCatalog) GetCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	return c.source.GetCurrency(ctx, code)
}

// GetSegmentDiscount reads through to the source.
func (c *CachedCatalog) GetSegmentDiscount(ctx context.Context, segment domain.Segment, at time.Time) (*domain.SegmentDiscount, error) {
	return c.source.GetSegmentDiscount(ctx, segment, at)
}

type cachedCommission struct {
	Missing    bool                     `json:"missing"`
	Commission *domain.MethodCommission `json:"commission,omitempty"`
}

// GetMethodCommission returns the cached commission for kind, caching
// absence as well so unconfigured methods do not hit the database each time.
func (c *CachedCatalog) GetMethodCommission(ctx context.Context, kind domain.MethodKind) (*domain.MethodCommission, error) {
	key := "method:" + string(kind)

	var entry cachedCommission
	if c.lookup(ctx, key, &entry) {
		if entry.Missing {
			return nil, domain.ErrNotFound
		}
		return entry.Commission, nil
	}

	mc, err := c.source.GetMethodCommission(ctx, kind)
	switch {
	case err == nil:
		c.store(ctx, key, cachedCommission{Commission: mc})
	case errors.Is(err, domain.ErrNotFound):
		c.store(ctx, key, cachedCommission{Missing: true})
	}
	return mc, err
}

// ListDenominations returns the cached denomination set of a currency.
func (c *CachedCatalog) ListDenominations(ctx context.Context, currency string) ([]domain.Denomination, error) {
	key := "denoms:" + currency

	var denoms []domain.Denomination
	if c.lookup(ctx, key, &denoms) {
		return denoms, nil
	}

	denoms, err := c.source.ListDenominations(ctx, currency)
	if err != nil {
		return nil, err
	}
	if len(denoms) > 0 {
		c.store(ctx, key, denoms)
	}
	return denoms, nil
}

func (c *CachedCatalog) lookup(ctx context.Context, key string, dst any) bool {
	if c.cache == nil {
		return false
	}
	data, err := c.cache.Get(ctx, catalogNamespace, key)
	if err != nil {
		slog.Warn("catalog cache read failed", "key", key, "error", err)
		return false
	}
	if data == nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (c *CachedCatalog) store(ctx context.Context, key string, v any) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, catalogNamespace, key, data, c.ttl); err != nil {
		slog.Warn("catalog cache write failed", "key", key, "error", err)
	}
}

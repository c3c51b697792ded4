package price

import (
	"context"
	"log/slog"

	"github.com/brojonat/walletpnl/service/cache"
	"github.com/brojonat/walletpnl/service/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes a Source. When the source fails, the last known price is
// served regardless of age.
type Cached struct {
	source  Source
	cache   *cache.TTL[decimal.Decimal]
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCached wraps source with a cache sized by cfg.
func NewCached(source Source, cfg cache.Config, m *metrics.Metrics, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		source:  source,
		cache:   cache.New[decimal.Decimal](cfg),
		metrics: m,
		logger:  logger,
	}
}

func (c *Cached) GetPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	if p, ok := c.cache.Get(asset); ok {
		c.recordCache(true)
		return p, nil
	}
	c.recordCache(false)

	v, err, _ := c.group.Do(asset, func() (interface{}, error) {
		return c.source.GetPrice(ctx, asset)
	})
	if err != nil {
		if stale, age, ok := c.cache.GetStale(asset); ok {
			c.logger.WarnContext(ctx, "price source failed, serving stale price",
				"asset", asset,
				"age", age,
				"error", err,
			)
			return stale, nil
		}
		return decimal.Zero, err
	}

	p := v.(decimal.Decimal)
	c.cache.Add(asset, p)
	return p, nil
}

func (c *Cached) recordCache(hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup("price", hit)
	}
}

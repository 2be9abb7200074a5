package vat

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/subledger/internal/platform/cache"
)

const cachePrefix = "vat:rates:"

// CachedRepository fronts a Repository with Redis. Concurrent misses for the
// same code share one upstream load.
type CachedRepository struct {
	next   Repository
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedRepository wraps next with a Redis cache.
func NewCachedRepository(next Repository, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRepository{next: next, client: client, ttl: ttl, logger: logger}
}

// RatesByCode implements Repository.
func (c *CachedRepository) RatesByCode(ctx context.Context, code string) ([]Rate, error) {
	key := cachePrefix + code
	var cached []Rate
	hit, err := cache.GetJSON(ctx, c.client, key, &cached)
	if err != nil {
		c.logger.Warn("vat cache read", slog.String("code", code), slog.Any("error", err))
	}
	if hit {
		return cached, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		rates, err := c.next.RatesByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if err := cache.SetJSON(ctx, c.client, key, rates, c.ttl); err != nil {
			c.logger.Warn("vat cache write", slog.String("code", code), slog.Any("error", err))
		}
		return rates, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Rate), nil
}

// Invalidate drops the cached windows for code.
func (c *CachedRepository) Invalidate(ctx context.Context, code string) error {
	return cache.Invalidate(ctx, c.client, cachePrefix+NormalizeCode(code))
}

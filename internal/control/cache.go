package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/subledger/internal/platform/cache"
)

// CachedLookup keeps control records in Redis. Missing records are not cached
// so that fixing configuration takes effect on the next lookup.
type CachedLookup struct {
	next   Lookup
	client redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedLookup wraps next.
func NewCachedLookup(next Lookup, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedLookup {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedLookup{next: next, client: client, ttl: ttl, logger: logger}
}

func settingsKey(company int64) string {
	return fmt.Sprintf("control:%d:settings", company)
}

func accountKey(company int64, key string) string {
	return fmt.Sprintf("control:%d:account:%s", company, strings.ToUpper(key))
}

// Settings implements Lookup.
func (c *CachedLookup) Settings(ctx context.Context, company int64) (Settings, error) {
	var s Settings
	if hit, err := cache.GetJSON(ctx, c.client, settingsKey(company), &s); err != nil {
		c.logger.Warn("control cache read", slog.Int64("company", company), slog.Any("error", err))
	} else if hit {
		return s, nil
	}
	s, err := c.next.Settings(ctx, company)
	if err != nil {
		return Settings{}, err
	}
	if err := cache.SetJSON(ctx, c.client, settingsKey(company), s, c.ttl); err != nil {
		c.logger.Warn("control cache write", slog.Int64("company", company), slog.Any("error", err))
	}
	return s, nil
}

// Account implements Lookup.
func (c *CachedLookup) Account(ctx context.Context, company int64, key string) (int64, error) {
	var rec Record
	ck := accountKey(company, key)
	if hit, err := cache.GetJSON(ctx, c.client, ck, &rec); err != nil {
		c.logger.Warn("control cache read", slog.String("key", ck), slog.Any("error", err))
	} else if hit {
		return rec.Account, nil
	}
	account, err := c.next.Account(ctx, company, key)
	if err != nil {
		return 0, err
	}
	rec = Record{Company: company, Key: strings.ToUpper(key), Account: account}
	if err := cache.SetJSON(ctx, c.client, ck, rec, c.ttl); err != nil {
		c.logger.Warn("control cache write", slog.String("key", ck), slog.Any("error", err))
	}
	return account, nil
}

// Invalidate drops the cached settings and the supplied keys of company.
func (c *CachedLookup) Invalidate(ctx context.Context, company int64, keys ...string) error {
	all := []string{settingsKey(company)}
	for _, k := range keys {
		all = append(all, accountKey(company, k))
	}
	return cache.Invalidate(ctx, c.client, all...)
}

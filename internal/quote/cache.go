package quote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/cache"
)

// RedisRateCache keeps the last good rate per pair for ttl.
type RedisRateCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRedisRateCache(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *RedisRateCache {
	return &RedisRateCache{rdb: rdb, ttl: ttl, log: log}
}

func (c *RedisRateCache) Get(ctx context.Context, pair string) (decimal.Decimal, bool) {
	val, err := c.rdb.Get(ctx, cache.RateKey(pair)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("rate cache read failed", "pair", pair, "err", err)
		}
		return decimal.Decimal{}, false
	}
	r, err := decimal.NewFromString(val)
	if err != nil || !r.IsPositive() {
		return decimal.Decimal{}, false
	}
	return r, true
}

func (c *RedisRateCache) Set(ctx context.Context, pair string, rate decimal.Decimal) {
	if err := c.rdb.Set(ctx, cache.RateKey(pair), rate.String(), c.ttl).Err(); err != nil {
		c.log.Warn("rate cache write failed", "pair", pair, "err", err)
	}
}

package currency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/vibast-solutions/ms-go-order-payments/config"
)

const rateKeyPrefix = "order-payments:fx:"

type RedisRateCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisRateCache(client redis.Cmdable, ttl time.Duration) *RedisRateCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRateCache{client: client, ttl: ttl}
}

func (c *RedisRateCache) Get(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, rateKeyPrefix+config.RateKey(from, to)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil || !rate.IsPositive() {
		return decimal.Zero, false, nil
	}
	return rate, true, nil
}

func (c *RedisRateCache) Set(ctx context.Context, from, to string, rate decimal.Decimal) error {
	return c.client.Set(ctx, rateKeyPrefix+config.RateKey(from, to), rate.String(), c.ttl).Err()
}

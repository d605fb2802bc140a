package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fiscalbridge/backend/internal/domain"
)

type RedisProviderCache struct {
	client *redis.Client
}

func NewRedisProviderCache(addr string, password string, db int) *RedisProviderCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisProviderCache{client: client}
}

func (c *RedisProviderCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisProviderCache) Close() error {
	return c.client.Close()
}

func (c *RedisProviderCache) Get(ctx context.Context, code string) (*domain.ProviderEntry, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(code)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var entry domain.ProviderEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

func (c *RedisProviderCache) Set(ctx context.Context, code string, entry *domain.ProviderEntry, ttl time.Duration) error {
	if entry == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(code), payload, ttl).Err()
}

func cacheKey(code string) string {
	return "provider-catalog:" + code
}

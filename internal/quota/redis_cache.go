package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/joseph-ayodele/docbatch/internal/entity"
)

// RedisCache shares plan envelopes across processes. Errors degrade to
// cache misses; the billing provider remains the source of truth.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

var _ EnvelopeCache = (*RedisCache)(nil)

func (c *RedisCache) Get(ctx context.Context, key string) (entity.PlanEnvelope, bool) {
	raw, err := c.client.Get(ctx, envelopeKey(key)).Bytes()
	if err != nil {
		return entity.PlanEnvelope{}, false
	}
	var env entity.PlanEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return entity.PlanEnvelope{}, false
	}
	return env, true
}

func (c *RedisCache) Set(ctx context.Context, key string, env entity.PlanEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, envelopeKey(key), raw, c.ttl).Err()
}

func envelopeKey(key string) string {
	return "docbatch:envelope:" + key
}

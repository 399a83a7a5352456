package quota

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/joseph-ayodele/docbatch/internal/entity"
)

const (
	defaultShardCount = 16
	defaultTTL        = 5 * time.Minute
)

// EnvelopeCache keeps plan envelopes warm so the billing collaborator is
// not hit on every reservation.
type EnvelopeCache interface {
	Get(ctx context.Context, key string) (entity.PlanEnvelope, bool)
	Set(ctx context.Context, key string, env entity.PlanEnvelope) error
}

type cacheItem struct {
	env       entity.PlanEnvelope
	expiresAt time.Time
}

type cacheShard struct {
	mu    sync.RWMutex
	items map[string]cacheItem
}

// ShardedCache is a thread-safe sharded TTL cache for plan envelopes.
type ShardedCache struct {
	shards     []*cacheShard
	shardCount int
	ttl        time.Duration
}

// NewShardedCache creates a cache; zero values fall back to defaults.
func NewShardedCache(shardCount int, ttl time.Duration) *ShardedCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	shards := make([]*cacheShard, shardCount)
	for i := range shards {
		shards[i] = &cacheShard{items: make(map[string]cacheItem)}
	}
	return &ShardedCache{shards: shards, shardCount: shardCount, ttl: ttl}
}

var _ EnvelopeCache = (*ShardedCache)(nil)

func (c *ShardedCache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(c.shardCount)]
}

func (c *ShardedCache) Get(_ context.Context, key string) (entity.PlanEnvelope, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	item, ok := shard.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		return entity.PlanEnvelope{}, false
	}
	return item.env, true
}

func (c *ShardedCache) Set(_ context.Context, key string, env entity.PlanEnvelope) error {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.items[key] = cacheItem{env: env, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

// Invalidate drops a user's cached envelope, e.g. after a plan change.
func (c *ShardedCache) Invalidate(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.items, key)
}

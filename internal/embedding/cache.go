package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores computed vectors in redis keyed by model and text, so that
// re-ingesting unchanged pages skips the provider entirely. A nil *Cache is
// valid and caches nothing.
type Cache struct {
	rdb   *redis.Client
	model string
	ttl   time.Duration
}

func NewCache(rdb *redis.Client, model string, ttl time.Duration) *Cache {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Cache{rdb: rdb, model: model, ttl: ttl}
}

func (c *Cache) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "|" + text))
	return fmt.Sprintf("emb:%x", sum[:16])
}

// Get returns the cached vector for text, or ok=false on miss or any redis
// error. Cache failures never fail an embedding call.
func (c *Cache) Get(ctx context.Context, text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, c.key(text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vec []float32
	if err := json.Unmarshal(raw, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Put stores a vector, best effort.
func (c *Cache) Put(ctx context.Context, text string, vec []float32) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, c.key(text), raw, c.ttl)
}

package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"boxoffice/internal/models"
)

// Keys embed the quota's version column, so writers only need to bump the
// version to drop every stale entry. The short TTL is a fallback for hot
// read paths that tolerate slight staleness; correctness-critical paths call
// RebuildCache explicitly.
const cacheTTL = 30 * time.Second

type RedisCache struct {
	Client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{Client: client}
}

func cacheKey(q *models.Quota) string {
	return fmt.Sprintf("quota:avail:%s:v%d", q.ID, q.Version)
}

func (c *RedisCache) Get(ctx context.Context, q *models.Quota) (*Availability, bool) {
	val, err := c.Client.Get(ctx, cacheKey(q)).Result()
	if err != nil {
		return nil, false
	}
	var a Availability
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return nil, false
	}
	return &a, true
}

func (c *RedisCache) Set(ctx context.Context, q *models.Quota, a *Availability) {
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	_ = c.Client.Set(ctx, cacheKey(q), data, cacheTTL).Err()
}

func (c *RedisCache) Delete(ctx context.Context, q *models.Quota) {
	_ = c.Client.Del(ctx, cacheKey(q)).Err()
}

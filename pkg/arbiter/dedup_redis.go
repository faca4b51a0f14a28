package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup backs duplicate suppression with Redis so the window survives
// process restarts and is shared across arbiter replicas. SETNX with a TTL
// gives the atomic record-and-test in a single round trip.
type RedisDedup struct {
	client redis.UniversalClient
	prefix string
}

var _ DedupStore = (*RedisDedup)(nil)

// NewRedisDedup creates a store using the given client. Keys are written
// under "<prefix>:intent:<key>".
func NewRedisDedup(client redis.UniversalClient, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "concord"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

// FirstSeen implements DedupStore.
func (d *RedisDedup) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	set, err := d.client.SetNX(ctx, fmt.Sprintf("%s:intent:%s", d.prefix, key), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("arbiter: redis dedup: %w", err)
	}
	return !set, nil
}

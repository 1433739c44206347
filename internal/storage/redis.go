package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"catalogmon/internal/domain"
)

// SnapshotCache keeps the latest snapshot per product code in Redis so the
// change detector does not hit Postgres for every observation of an
// unchanged product. It is a read-through cache only; misses and Redis
// errors fall back to the database.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSnapshotCache(addr string, ttl time.Duration) *SnapshotCache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &SnapshotCache{client: rdb, ttl: ttl}
}

func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *SnapshotCache) Close() error {
	return c.client.Close()
}

func snapshotKey(code string) string {
	return fmt.Sprintf("snapshot:latest:%s", code)
}

// Get returns the cached latest snapshot and whether it was present.
func (c *SnapshotCache) Get(ctx context.Context, code string) (*domain.PriceSnapshot, bool) {
	val, err := c.client.Get(ctx, snapshotKey(code)).Bytes()
	if err != nil {
		return nil, false
	}
	var snap domain.PriceSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		c.client.Del(ctx, snapshotKey(code))
		return nil, false
	}
	return &snap, true
}

// Set stores the snapshot as the latest for its product. Errors are
// swallowed; the cache is best-effort.
func (c *SnapshotCache) Set(ctx context.Context, snap *domain.PriceSnapshot) {
	val, err := json.Marshal(snap)
	if err != nil {
		return
	}
	c.client.Set(ctx, snapshotKey(snap.ProductCode), val, c.ttl)
}

// Flush drops all cached snapshots. Called after retention deletes so a
// purged snapshot cannot be served as "latest".
func (c *SnapshotCache) Flush(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, "snapshot:latest:*", 0).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}

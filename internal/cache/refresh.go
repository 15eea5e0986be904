// Package cache keeps a redis copy of refresh sessions so token rotation can
// reject revoked tokens without a database round trip.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "dispatch:rt:"

// RefreshEntry is what is kept per refresh-token hash
type RefreshEntry struct {
	SessionID uuid.UUID
	DriverID  uuid.UUID
	Revoked   bool
	ExpiresAt time.Time
}

// RefreshCache is the refresh-session cache contract
type RefreshCache interface {
	// Get returns the entry and whether it was present
	Get(ctx context.Context, hash string) (RefreshEntry, bool, error)
	// Set stores the entry until its expiry
	Set(ctx context.Context, hash string, e RefreshEntry) error
	// MarkRevoked flips the revoked flag and keeps the remaining TTL
	MarkRevoked(ctx context.Context, hash string) error
	Close() error
}

type redisCache struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCache connects to redisURL (redis://:pass@host:6379/0) and pings it
func NewRedisCache(ctx context.Context, redisURL, prefix string) (RefreshCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisCache(rdb, prefix), nil
}

func newRedisCache(rdb *redis.Client, prefix string) *redisCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &redisCache{rdb: rdb, prefix: prefix, now: time.Now}
}

func (c *redisCache) key(hash string) string { return c.prefix + hash }

// Entries are hashes with fields sid, uid, rev (0/1) and exp (unix seconds).
func (c *redisCache) Get(ctx context.Context, hash string) (RefreshEntry, bool, error) {
	m, err := c.rdb.HGetAll(ctx, c.key(hash)).Result()
	if err != nil {
		return RefreshEntry{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(m) == 0 {
		return RefreshEntry{}, false, nil
	}

	sid, err := uuid.Parse(m["sid"])
	if err != nil {
		return RefreshEntry{}, false, fmt.Errorf("cache entry sid: %w", err)
	}
	uid, err := uuid.Parse(m["uid"])
	if err != nil {
		return RefreshEntry{}, false, fmt.Errorf("cache entry uid: %w", err)
	}
	exp, err := strconv.ParseInt(m["exp"], 10, 64)
	if err != nil {
		return RefreshEntry{}, false, fmt.Errorf("cache entry exp: %w", err)
	}

	return RefreshEntry{
		SessionID: sid,
		DriverID:  uid,
		Revoked:   m["rev"] == "1",
		ExpiresAt: time.Unix(exp, 0).UTC(),
	}, true, nil
}

func (c *redisCache) Set(ctx context.Context, hash string, e RefreshEntry) error {
	ttl := e.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key(hash), map[string]string{
		"sid": e.SessionID.String(),
		"uid": e.DriverID.String(),
		"rev": boolTo01(e.Revoked),
		"exp": strconv.FormatInt(e.ExpiresAt.Unix(), 10),
	})
	pipe.Expire(ctx, c.key(hash), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCache) MarkRevoked(ctx context.Context, hash string) error {
	// HSet on a missing key would create an entry without a TTL.
	n, err := c.rdb.Exists(ctx, c.key(hash)).Result()
	if err != nil {
		return fmt.Errorf("redis exists: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, c.key(hash), "rev", "1").Err(); err != nil {
		return fmt.Errorf("redis mark revoked: %w", err)
	}
	return nil
}

func (c *redisCache) Close() error { return c.rdb.Close() }

func boolTo01(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

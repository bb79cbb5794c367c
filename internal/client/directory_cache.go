package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-ops-approvals/internal/logger"
)

const approverKeyPrefix = "ops-approvals:approver:"

// redisKV is the subset of *redis.Client the cache uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedDirectory caches resolved approvers in Redis. Cache failures are
// logged and fall through to the underlying directory.
type CachedDirectory struct {
	next ApproverDirectory
	rdb  redisKV
	ttl  time.Duration
	log  *logger.Logger
}

// NewCachedDirectory wraps next with a Redis cache.
func NewCachedDirectory(next ApproverDirectory, rdb redisKV, ttl time.Duration, log *logger.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl, log: log.Named("directory-cache")}
}

// Resolve implements ApproverDirectory.
func (c *CachedDirectory) Resolve(ctx context.Context, approverID string) (*Approver, error) {
	key := approverKeyPrefix + approverID

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var a Approver
		if jsonErr := json.Unmarshal(data, &a); jsonErr == nil {
			return &a, nil
		}
		c.log.Warn().Str("key", key).Msg("Discarding undecodable cached approver")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("approver_id", approverID).Msg("Approver cache read failed")
	}

	a, err := c.next.Resolve(ctx, approverID)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(a); err == nil {
		if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.log.Warn().Err(err).Str("approver_id", approverID).Msg("Approver cache write failed")
		}
	}
	return a, nil
}

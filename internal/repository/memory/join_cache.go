package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	redisRepo "consultlink-backend/internal/repository/redis"
	"consultlink-backend/pkg/cache"
)

const joinCacheMaxEntries = 10_000

// JoinCache keeps validation records in process when Redis is not
// configured. Records are copied in and out.
type JoinCache struct {
	ttl     time.Duration
	records *cache.TTL[uuid.UUID, redisRepo.JoinRecord]
}

// NewJoinCache creates a cache holding records for at most ttl
func NewJoinCache(ttl time.Duration) *JoinCache {
	return &JoinCache{
		ttl:     ttl,
		records: cache.NewTTL[uuid.UUID, redisRepo.JoinRecord](ttl, joinCacheMaxEntries),
	}
}

// StartCleanup sweeps expired records until the returned func is called
func (c *JoinCache) StartCleanup(interval time.Duration) func() {
	return c.records.StartCleanup(interval)
}

// Get returns the cached record or redis.ErrCacheMiss
func (c *JoinCache) Get(_ context.Context, sessionID uuid.UUID) (*redisRepo.JoinRecord, error) {
	rec, ok := c.records.Get(sessionID)
	if !ok {
		return nil, redisRepo.ErrCacheMiss
	}
	return &rec, nil
}

// Set caches rec, never past the session's own expiry
func (c *JoinCache) Set(_ context.Context, rec *redisRepo.JoinRecord) error {
	ttl := c.ttl
	if remaining := time.Until(rec.ExpiresAt); remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	c.records.Set(rec.SessionID, *rec, ttl)
	return nil
}

// Invalidate drops the record after a status change
func (c *JoinCache) Invalidate(_ context.Context, sessionID uuid.UUID) error {
	c.records.Delete(sessionID)
	return nil
}

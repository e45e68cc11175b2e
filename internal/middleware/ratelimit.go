package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"consultlink-backend/internal/database"
	appErrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/response"
)

// fixedWindow increments the counter and starts the window on the first hit.
// Returns {count, pttl}.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// RateLimiter implements fixed-window rate limiting in Redis. While Redis
// is unavailable or nil it falls back to a per-process window.
type RateLimiter struct {
	redisClient *database.RedisClient
	requests    int
	window      time.Duration
	fallback    *InMemoryRateLimiter
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
		fallback:    NewInMemoryRateLimiter(),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		}

		allowed, remaining, resetAt := rl.Allow(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			response.FromError(c, appErrors.RateLimitExceededError())
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow counts one request for identifier
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (bool, int, time.Time) {
	if rl.redisClient != nil {
		count, ttl, err := rl.checkRedis(ctx, identifier)
		if err == nil {
			return rl.verdict(count, time.Now().Add(ttl))
		}
		logger.Debug("Rate limiter using in-memory fallback", zap.Error(err))
	}

	count, resetAt := rl.fallback.Hit(identifier, rl.window, time.Now())
	return rl.verdict(count, resetAt)
}

func (rl *RateLimiter) verdict(count int, resetAt time.Time) (bool, int, time.Time) {
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.requests, remaining, resetAt
}

func (rl *RateLimiter) checkRedis(ctx context.Context, identifier string) (int, time.Duration, error) {
	key := fmt.Sprintf("consult:ratelimit:%s", identifier)
	vals, err := rl.redisClient.SafeRun(ctx, fixedWindow, []string{key}, rl.window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit reply: %v", vals)
	}
	ttl := time.Duration(vals[1]) * time.Millisecond
	if ttl < 0 {
		ttl = rl.window
	}
	return int(vals[0]), ttl, nil
}

// InMemoryRateLimiter provides fixed-window counting when Redis is degraded
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*windowCount
}

type windowCount struct {
	count   int
	resetAt time.Time
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		limits: make(map[string]*windowCount),
	}
}

// Hit counts one request at now and returns the window's count and reset time
func (im *InMemoryRateLimiter) Hit(identifier string, window time.Duration, now time.Time) (int, time.Time) {
	im.mu.Lock()
	defer im.mu.Unlock()

	w, ok := im.limits[identifier]
	if !ok || !now.Before(w.resetAt) {
		w = &windowCount{resetAt: now.Add(window)}
		im.limits[identifier] = w
		im.evictExpired(now)
	}
	w.count++
	return w.count, w.resetAt
}

func (im *InMemoryRateLimiter) evictExpired(now time.Time) {
	for id, w := range im.limits {
		if !now.Before(w.resetAt) {
			delete(im.limits, id)
		}
	}
}

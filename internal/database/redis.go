package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"consultlink-backend/pkg/logger"
)

// ErrDegraded is returned by Safe* operations while Redis is unreachable
var ErrDegraded = errors.New("redis is in degraded mode")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	metrics        *redisMetrics
}

type redisMetrics struct {
	degradedMode prometheus.Gauge
	healthCheck  prometheus.Counter
}

var (
	redisMetricsInstance *redisMetrics
	redisMetricsOnce     sync.Once
)

// InitRedisMetrics registers Redis metrics with reg. Call once from main.
func InitRedisMetrics(reg prometheus.Registerer) {
	redisMetricsOnce.Do(func() {
		redisMetricsInstance = &redisMetrics{
			degradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "redis_degraded_mode",
				Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
			}),
			healthCheck: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "redis_health_check_total",
				Help: "Total number of Redis health checks",
			}),
		}
		reg.MustRegister(redisMetricsInstance.degradedMode)
		reg.MustRegister(redisMetricsInstance.healthCheck)
	})
}

// NewRedisDB creates a new Redis client from config with degraded mode support
func NewRedisDB(cfg *RedisConfig) (*RedisClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{
		Client:  client,
		metrics: redisMetricsInstance,
	}, nil
}

// NewRedisClientFrom wraps an existing client without metrics
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() {
	r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Warn("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode == degraded {
		return
	}
	r.degradedMode = degraded
	if degraded {
		logger.Warn("Redis entered degraded mode")
	} else {
		logger.Info("Redis recovered from degraded mode")
	}
	if r.metrics != nil {
		if degraded {
			r.metrics.degradedMode.Set(1)
		} else {
			r.metrics.degradedMode.Set(0)
		}
	}
}

// HealthCheck pings Redis and updates degraded mode. Concurrent checks are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	if r.metrics != nil {
		r.metrics.healthCheck.Inc()
	}

	return nil
}

// SafeGet performs a GET operation with degraded mode handling
func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", ErrDegraded)
	}
	return r.Client.Get(ctx, key)
}

// SafeSet performs a SET operation with degraded mode handling
func (r *RedisClient) SafeSet(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", ErrDegraded)
	}
	return r.Client.Set(ctx, key, value, expiration)
}

// SafeDel performs a DEL operation with degraded mode handling
func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Del(ctx, keys...)
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe returns nil while degraded
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}

// SafeRun executes a Lua script with degraded mode handling
func (r *RedisClient) SafeRun(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	if r.IsDegraded() {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(ErrDegraded)
		return cmd
	}
	return script.Run(ctx, r.Client, keys, args...)
}

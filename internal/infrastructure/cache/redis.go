package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// Key layouts, all relative to the configured prefix
const (
	KeyFingerprint = "fp:%s:%s"      // tenant, fingerprint hex
	KeySyncLock    = "lock:%s"       // lock key from the scheduler
	KeyRateLimit   = "ratelimit:%s"  // caller
	KeyAggregates  = "aggregates:%s" // tenant
)

// RedisCache wraps the Redis client with the operations the engine shares
// across processes: fingerprint claims, sync locks, rate limits and a small
// JSON response cache.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	logger    *logger.Logger
}

// NewRedis creates a new Redis client
func NewRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*RedisCache, error) {
	log = log.WithComponent("redis")
	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("connecting to Redis")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().Msg("connected to Redis successfully")

	return NewWithClient(client, cfg.KeyPrefix, log), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, keyPrefix string, log *logger.Logger) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    log,
	}
}

// Client returns the underlying Redis client
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Ping reports whether Redis answers
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	c.logger.Info().Msg("closing Redis connection")
	return c.client.Close()
}

// key prepends the namespace prefix to a key
func (c *RedisCache) key(k string) string {
	return c.keyPrefix + k
}

// FingerprintKey returns the unprefixed claim key for fp
func FingerprintKey(tenantID string, fp models.Fingerprint) string {
	return fmt.Sprintf(KeyFingerprint, tenantID, fp.Hex())
}

// Claim registers id as the owner of fp. When another process got there
// first the stored owner is returned instead.
func (c *RedisCache) Claim(ctx context.Context, tenantID string, fp models.Fingerprint, id uuid.UUID) (uuid.UUID, error) {
	k := c.key(FingerprintKey(tenantID, fp))
	ok, err := c.client.SetNX(ctx, k, id.String(), 0).Result()
	if err != nil {
		return uuid.Nil, redisError("claim", err)
	}
	if ok {
		return id, nil
	}
	owner, err := c.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// released between SETNX and GET; retry once
		if ok, err = c.client.SetNX(ctx, k, id.String(), 0).Result(); err == nil && ok {
			return id, nil
		}
		return uuid.Nil, models.Errorf(models.KindConflict, "claim", "fingerprint %s changed owner", fp.Hex())
	}
	if err != nil {
		return uuid.Nil, redisError("claim", err)
	}
	parsed, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, models.NewError(models.KindValidation, "claim", err)
	}
	return parsed, nil
}

// Forget drops the claim on fp
func (c *RedisCache) Forget(ctx context.Context, tenantID string, fp models.Fingerprint) error {
	if err := c.client.Del(ctx, c.key(FingerprintKey(tenantID, fp))).Err(); err != nil {
		return redisError("forget", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock
func (c *RedisCache) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(fmt.Sprintf(KeySyncLock, lockKey)), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, redisError("lock", err)
	}
	return ok, nil
}

// ReleaseLock releases a distributed lock
func (c *RedisCache) ReleaseLock(ctx context.Context, lockKey string) error {
	if err := c.client.Del(ctx, c.key(fmt.Sprintf(KeySyncLock, lockKey))).Err(); err != nil {
		return redisError("unlock", err)
	}
	return nil
}

// CheckRateLimit checks and increments a fixed-window counter.
// Returns: allowed, remaining, reset time, error.
func (c *RedisCache) CheckRateLimit(ctx context.Context, caller string, limit int64, window time.Duration) (bool, int64, time.Time, error) {
	k := c.key(fmt.Sprintf(KeyRateLimit, caller))

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, window)
	ttl := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, redisError("ratelimit", err)
	}

	count := incr.Val()
	reset := time.Now().Add(window)
	if d := ttl.Val(); d > 0 {
		reset = time.Now().Add(d)
	}
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= limit, remaining, reset, nil
}

// GetJSON retrieves and unmarshals a JSON value. ok is false on a miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, redisError("get", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a value with TTL
func (c *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return redisError("set", err)
	}
	return nil
}

// Invalidate deletes cached keys
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	return c.client.Del(ctx, prefixed...).Err()
}

func redisError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.FromContext(op, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

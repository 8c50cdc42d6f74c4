package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
)

// Lua scripts for compare-and-delete / compare-and-expire. Both run
// atomically inside Redis, which is what makes the lock release safe
// against a concurrent re-acquisition after TTL expiry.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`
)

// RedisBackend implements Backend on a Redis server.
type RedisBackend struct {
	client  *redis.Client
	release *redis.Script
	refresh *redis.Script
	logger  *logger.Logger
}

// NewRedisBackend connects to Redis using the configured URL.
func NewRedisBackend(cfg config.RedisConfig, log *logger.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	log.Info("Connected to Redis", zap.String("addr", opts.Addr))

	return &RedisBackend{
		client:  client,
		release: redis.NewScript(releaseScript),
		refresh: redis.NewScript(refreshScript),
		logger:  log.WithFields(zap.String("component", "redis_backend")),
	}, nil
}

func (b *RedisBackend) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, b.wrap(err)
	}
	return ok, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, b.wrap(err)
	}
	return val, true, nil
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) ReleaseIfValue(ctx context.Context, key, value string) (bool, error) {
	res, err := b.release.Run(ctx, b.client, []string{key}, value).Int()
	if err != nil {
		return false, b.wrap(err)
	}
	return res == 1, nil
}

func (b *RedisBackend) RefreshIfValue(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := b.refresh.Run(ctx, b.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, b.wrap(err)
	}
	return res == 1, nil
}

func (b *RedisBackend) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := b.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, b.wrap(err)
	}
	// go-redis reports -1 (no TTL) and -2 (missing key) as negative durations.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (b *RedisBackend) LPush(ctx context.Context, key, value string) error {
	if err := b.client.LPush(ctx, key, value).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

func (b *RedisBackend) RPop(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, b.wrap(err)
	}
	return val, true, nil
}

func (b *RedisBackend) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := b.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, b.wrap(err)
	}
	return vals, nil
}

func (b *RedisBackend) LLen(ctx context.Context, key string) (int64, error) {
	n, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, b.wrap(err)
	}
	return n, nil
}

func (b *RedisBackend) LRem(ctx context.Context, key, value string) error {
	if err := b.client.LRem(ctx, key, 0, value).Err(); err != nil {
		return b.wrap(err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketsync/backend/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

// incrWithExpiryScript increments a counter and sets its expiry only when the
// increment created it, so the window never slides.
var incrWithExpiryScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// deleteIfEqualsScript deletes a key only while it still holds the caller's token.
var deleteIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// advanceMaxScript stores max(current, value) and returns the stored value.
var advanceMaxScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local candidate = tonumber(ARGV[1])
if candidate > current then
  redis.call('SET', KEYS[1], ARGV[1])
  return candidate
end
return current
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements shared.AtomicStore on Redis.
// Every method is a single command, a MULTI block or a Lua script, so concurrent
// callers across instances never observe a partial update.
type RedisStore struct {
	client *redis.Client
}

// NewRedisClient creates a Redis client and verifies connectivity
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     orDefault(cfg.PoolSize, 10),
		MinIdleConns: orDefault(cfg.MinIdleConns, 3),
		MaxRetries:   3,
		DialTimeout:  orDefaultDuration(cfg.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefaultDuration(cfg.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefaultDuration(cfg.WriteTimeout, 3*time.Second),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStore connects to Redis and returns a store
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store with an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// IncrWithExpiry implements shared.AtomicStore
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrWithExpiryScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, unavailable("increment", key, err)
	}
	return count, nil
}

// SetIfAbsent implements shared.AtomicStore
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("set if absent", key, err)
	}
	return ok, nil
}

// DeleteIfEquals implements shared.AtomicStore
func (s *RedisStore) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfEqualsScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, unavailable("compare and delete", key, err)
	}
	return n > 0, nil
}

// Get implements shared.AtomicStore
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", key, err)
	}
	return v, true, nil
}

// Delete implements shared.AtomicStore
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, unavailable("delete", key, err)
	}
	return n > 0, nil
}

// PushCapped implements shared.AtomicStore
func (s *RedisStore) PushCapped(ctx context.Context, key string, value []byte, capacity int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, capacity-1)
		return nil
	})
	if err != nil {
		return unavailable("push", key, err)
	}
	return nil
}

// Pop implements shared.AtomicStore
func (s *RedisStore) Pop(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.RPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("pop", key, err)
	}
	return v, true, nil
}

// Len implements shared.AtomicStore
func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, unavailable("length", key, err)
	}
	return n, nil
}

// AdvanceMax implements shared.AtomicStore
func (s *RedisStore) AdvanceMax(ctx context.Context, key string, value int64) (int64, error) {
	v, err := advanceMaxScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return 0, unavailable("advance", key, err)
	}
	return v, nil
}

// HashIncrBy implements shared.AtomicStore
func (s *RedisStore) HashIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, unavailable("hash increment", key, err)
	}
	return v, nil
}

// HashGetAll implements shared.AtomicStore
func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hash read", key, err)
	}
	return v, nil
}

// Ping implements shared.AtomicStore
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %q: %w", shared.ErrStoreUnavailable, op, key, err)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Ensure RedisStore implements AtomicStore
var _ shared.AtomicStore = (*RedisStore)(nil)

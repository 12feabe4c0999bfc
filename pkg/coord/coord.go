package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub001/pkg/config"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("coord: key not found")

// TransientError wraps coordination-store I/O failures. Best-effort
// callers (the rate limiter) may fall open on it; locks and idempotency
// must fail closed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("coord: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a coordination-store I/O failure
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Client is the coordination-store contract: atomic string and counter
// operations, TTL keys, and small read-modify-write scripts.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX atomically sets key when absent; the basis of distributed locks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Eval runs a script atomically against the named keys.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisClient implements Client over a Redis connection
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient connects to the coordination store
func NewRedisClient(cfg config.CoordinationConfig) *RedisClient {
	return &RedisClient{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewFromRedis wraps an existing redis client (tests use this with miniredis)
func NewFromRedis(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &TransientError{Op: "get", Err: err}
	}
	return v, nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return &TransientError{Op: "set", Err: err}
	}
	return nil
}

func (c *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, &TransientError{Op: "setnx", Err: err}
	}
	return ok, nil
}

func (c *RedisClient) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, &TransientError{Op: "incrby", Err: err}
	}
	return v, nil
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return &TransientError{Op: "del", Err: err}
	}
	return nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, &TransientError{Op: "expire", Err: err}
	}
	return ok, nil
}

func (c *RedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	v, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &TransientError{Op: "eval", Err: err}
	}
	return v, nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return &TransientError{Op: "ping", Err: err}
	}
	return nil
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

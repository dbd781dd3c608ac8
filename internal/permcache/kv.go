package permcache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss reports that a key is absent from the cache.
var ErrCacheMiss = errors.New("permcache: cache miss")

// KV is the narrow key-value surface the cache consumes. The production
// implementation is Redis; tests substitute an in-memory fake.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error
	Del(ctx context.Context, key string) error
	Pipeline() Pipeline
}

// Pipeline batches SetEx writes into one round-trip.
type Pipeline interface {
	SetEx(key string, ttl time.Duration, value string)
	Exec(ctx context.Context) error
}

// RedisKV adapts a go-redis client to the KV interface.
type RedisKV struct {
	client *redis.Client
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV wraps an existing Redis client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *RedisKV) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	return r.client.SetEX(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisKV) Pipeline() Pipeline {
	return &redisPipeline{pipe: r.client.Pipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
}

func (p *redisPipeline) SetEx(key string, ttl time.Duration, value string) {
	p.pipe.SetEX(context.Background(), key, value, ttl)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}

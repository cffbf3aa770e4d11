package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores values under prefix-qualified keys. A positive ttl is
// applied to every written key so abandoned guest identities age out.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBackend wraps an existing client. prefix is prepended verbatim.
func NewRedisBackend(rdb redis.UniversalClient, prefix string, ttl time.Duration) (*RedisBackend, error) {
	if rdb == nil {
		return nil, errors.New("tokenstore: redis client required")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisBackend) key(k string) string { return r.prefix + k }

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisBackend) Update(ctx context.Context, set map[string]string, del []string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			keys := make([]string, 0, len(del))
			for _, k := range del {
				keys = append(keys, r.key(k))
			}
			pipe.Del(ctx, keys...)
		}
		for k, v := range set {
			pipe.Set(ctx, r.key(k), v, r.ttl)
		}
		return nil
	})
	return err
}

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/vehicle-telemetry-bridge/internal/observability"
)

const defaultRedisUpdateRetries = 128

// RedisStore is the production backend. Update uses WATCH/MULTI so that a
// concurrent write to the same key aborts the transaction and the update is
// replayed against the new value.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, maxRetries: defaultRedisUpdateRetries}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.RecordStoreOperation(ctx, "redis", "get", "not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		observability.RecordStoreOperation(ctx, "redis", "get", "error")
		return nil, err
	}
	observability.RecordStoreOperation(ctx, "redis", "get", "success")
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, redisTTL(ttl)).Err(); err != nil {
		observability.RecordStoreOperation(ctx, "redis", "set", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "redis", "set", "success")
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, redisTTL(ttl)).Result()
	if err != nil {
		observability.RecordStoreOperation(ctx, "redis", "setnx", "error")
		return false, err
	}
	observability.RecordStoreOperation(ctx, "redis", "setnx", "success")
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, k := range keys {
		full = append(full, s.key(k))
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		observability.RecordStoreOperation(ctx, "redis", "delete", "error")
		return err
	}
	observability.RecordStoreOperation(ctx, "redis", "delete", "success")
	return nil
}

func (s *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	k := s.key(key)
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, k).Bytes()
		found := true
		if errors.Is(err, redis.Nil) {
			found, err = false, nil
		}
		if err != nil {
			return err
		}
		m, err := fn(current, found)
		if err != nil {
			return err
		}
		if m.Keep {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if m.Delete {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, m.Value, redisTTL(m.TTL))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			observability.RecordStoreOperation(ctx, "redis", "update", "error")
			return err
		}
		observability.RecordStoreOperation(ctx, "redis", "update", "success")
		return nil
	}
	observability.RecordStoreOperation(ctx, "redis", "update", "conflict")
	return ErrConflict
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, err
	}
	// go-redis passes the raw -2 (missing key) and -1 (no expiry) through.
	switch {
	case ttl == -2:
		return 0, ErrNotFound
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

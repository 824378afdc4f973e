package crdtstorage

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// RedisAdapter is a Redis-backed Storage: a Key's "/"-joined path
// becomes the Redis key directly, and membership in a keyPrefix:keys
// set lets LoadRange enumerate a prefix without Redis's KEYS command
// (which the teacher's own redis-backed subsystems avoid for the same
// reason: it blocks the server proportional to keyspace size).
type RedisAdapter struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisAdapter wraps an existing Redis client. The client is
// externally owned; Close is a no-op, matching the teacher's
// RedisPersistence/RedisAdapter convention of never closing a
// client it didn't create.
func NewRedisAdapter(client *redis.Client, keyPrefix string) *RedisAdapter {
	return &RedisAdapter{client: client, keyPrefix: keyPrefix}
}

func (a *RedisAdapter) redisKey(key Key) string {
	return a.keyPrefix + ":" + key.String()
}

func (a *RedisAdapter) indexKey() string {
	return a.keyPrefix + ":keys"
}

func (a *RedisAdapter) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	data, err := a.client.Get(ctx, a.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "loading %s", key.String())
	}
	return data, true, nil
}

// LoadRange scans the index set for entries under prefix. Order is not
// guaranteed, matching the adapter contract (§6: no ordering across
// keys beyond single-key overwrite atomicity).
func (a *RedisAdapter) LoadRange(ctx context.Context, prefix Key) ([]KV, error) {
	members, err := a.client.SMembers(ctx, a.indexKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "listing keys")
	}
	p := prefix.String()
	var out []KV
	for _, m := range members {
		if m != p && !hasPathPrefix(m, p) {
			continue
		}
		data, err := a.client.Get(ctx, a.keyPrefix+":"+m).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, errors.Wrapf(err, "loading %s", m)
		}
		out = append(out, KV{Key: ParseKey(m), Value: data})
	}
	return out, nil
}

func (a *RedisAdapter) Put(ctx context.Context, key Key, value []byte) error {
	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.redisKey(key), value, 0)
	pipe.SAdd(ctx, a.indexKey(), key.String())
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "storing %s", key.String())
}

func (a *RedisAdapter) Delete(ctx context.Context, key Key) error {
	pipe := a.client.TxPipeline()
	pipe.Del(ctx, a.redisKey(key))
	pipe.SRem(ctx, a.indexKey(), key.String())
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "deleting %s", key.String())
}

func (a *RedisAdapter) Close() error { return nil }

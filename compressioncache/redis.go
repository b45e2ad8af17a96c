package compressioncache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	fieldMeta = "meta"
	fieldData = "data"
)

// RedisStore shares the cache between processes. Each entry is a hash with
// a metadata and a payload field; a set indexes the stored keys.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// NewRedisStore uses an existing client. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// OpenRedisStore connects to addr and verifies the connection.
func OpenRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}

	s := NewRedisStore(client, prefix)
	s.ownsClient = true
	return s, nil
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + "entry:" + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "keys"
}

// Get ...
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	var entry Entry
	if err := msgpack.Unmarshal([]byte(fields[fieldMeta]), &entry.Meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	entry.Data = []byte(fields[fieldData])
	return &entry, nil
}

// List ...
func (s *RedisStore) List(ctx context.Context) ([]Meta, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGet(ctx, s.entryKey(key), fieldMeta)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	metas := make([]Meta, 0, len(keys))
	for _, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// indexed but gone, e.g. removed by hand
			continue
		}
		if err != nil {
			return nil, err
		}

		var m Meta
		if err := msgpack.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}

// Write applies the batch in a MULTI/EXEC transaction.
func (s *RedisStore) Write(ctx context.Context, batch Batch) error {
	var meta []byte
	if batch.Put != nil {
		var err error
		if meta, err = msgpack.Marshal(batch.Put.Meta); err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range batch.Deletes {
			pipe.Del(ctx, s.entryKey(key))
			pipe.SRem(ctx, s.indexKey(), key)
		}
		if batch.Put != nil {
			pipe.Del(ctx, s.entryKey(batch.Put.Key))
			pipe.HSet(ctx, s.entryKey(batch.Put.Key), fieldMeta, meta, fieldData, batch.Put.Data)
			pipe.SAdd(ctx, s.indexKey(), batch.Put.Key)
		}
		return nil
	})
	return err
}

// Clear ...
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, s.entryKey(key))
		}
		pipe.Del(ctx, s.indexKey())
		return nil
	})
	return err
}

// Close closes the client when the store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

package replicant

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"golang.org/x/exp/slices"
)

// RedisStoreProvider keeps one hash per namespace, one field per key. Useful
// when several graphics hosts need to restore from shared storage.
type RedisStoreProvider struct {
	ctx    context.Context
	client *redis.Client
	prefix string
}

func NewRedisStoreProviderWithDefaults(ctx context.Context, client *redis.Client) *RedisStoreProvider {
	return NewRedisStoreProvider(ctx, client, "replicants")
}

func NewRedisStoreProvider(ctx context.Context, client *redis.Client, prefix string) *RedisStoreProvider {
	return &RedisStoreProvider{
		ctx:    ctx,
		client: client,
		prefix: prefix,
	}
}

func (self *RedisStoreProvider) Namespace(namespace string) (Store, error) {
	return &RedisStore{
		ctx:     self.ctx,
		client:  self.client,
		hashKey: fmt.Sprintf("%s:%s", self.prefix, namespace),
	}, nil
}

type RedisStore struct {
	ctx     context.Context
	client  *redis.Client
	hashKey string
}

func (self *RedisStore) GetItem(key string) (string, bool, error) {
	value, err := self.client.HGet(self.ctx, self.hashKey, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return value, true, nil
}

func (self *RedisStore) SetItem(key string, value string) error {
	if err := self.client.HSet(self.ctx, self.hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	return nil
}

func (self *RedisStore) Keys() ([]string, error) {
	keys, err := self.client.HKeys(self.ctx, self.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	slices.Sort(keys)
	return keys, nil
}

package redisrepo

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/diagnosis/bus-reserve/internal/repo"
)

// KVRepo stores audit state as plain Redis strings under a namespace.
type KVRepo struct {
	rdb       redis.UniversalClient
	namespace string
}

func NewKVRepo(rdb redis.UniversalClient, namespace string) *KVRepo {
	return &KVRepo{rdb: rdb, namespace: namespace}
}

func (r *KVRepo) key(k string) string {
	if r.namespace == "" {
		return k
	}
	return r.namespace + ":" + k
}

func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	v, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repo.ErrNotFound
	}
	return v, err
}

func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.rdb.Set(ctx, r.key(key), value, 0).Err()
}

func (r *KVRepo) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.rdb.Del(ctx, r.key(key)).Err()
}

var _ repo.KVStore = (*KVRepo)(nil)

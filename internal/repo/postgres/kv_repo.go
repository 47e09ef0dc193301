package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/diagnosis/bus-reserve/internal/repo"
)

const kvSchema = `
	CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// KVRepoImpl stores audit state in a single key/value table.
type KVRepoImpl struct {
	pool *pgxpool.Pool
}

func NewKVRepo(pool *pgxpool.Pool) *KVRepoImpl {
	return &KVRepoImpl{pool: pool}
}

// EnsureSchema creates the kv_store table when it does not exist.
func (r *KVRepoImpl) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, kvSchema)
	return err
}

func (r *KVRepoImpl) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var value []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM kv_store WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *KVRepoImpl) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	query := `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, key, value)
	return err
}

func (r *KVRepoImpl) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key)
	return err
}

var _ repo.KVStore = (*KVRepoImpl)(nil)

// Package sqlite is the local on-disk key/value store used when no shared
// Redis or Postgres is configured.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/diagnosis/bus-reserve/internal/repo"
)

const kvSchema = `
	CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`

// KVRepoImpl stores audit state in a single key/value table of a SQLite file.
type KVRepoImpl struct {
	db *sql.DB
}

// Open creates the parent directory, opens the database at path and makes
// sure the kv_store table exists.
func Open(ctx context.Context, path string) (*KVRepoImpl, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer at a time keeps SQLITE_BUSY away from concurrent persists
	db.SetMaxOpenConns(1)

	r := NewKVRepo(db)
	if err := r.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return r, nil
}

func NewKVRepo(db *sql.DB) *KVRepoImpl {
	return &KVRepoImpl{db: db}
}

// EnsureSchema creates the kv_store table when it does not exist.
func (r *KVRepoImpl) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, kvSchema)
	return err
}

func (r *KVRepoImpl) Close() error {
	return r.db.Close()
}

func (r *KVRepoImpl) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
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
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	_, err := r.db.ExecContext(ctx, query, key, value)
	return err
}

func (r *KVRepoImpl) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	return err
}

var _ repo.KVStore = (*KVRepoImpl)(nil)

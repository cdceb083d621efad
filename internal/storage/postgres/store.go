package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists entries in the kv_entries table. It lets several device
// processes share one state store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Get(ctx context.Context, key string) (*ports.Entry, error) {
	return get(ctx, s.pool, key)
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, s.pool, key, value)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	return nil
}

// Update serializes writers of the same key with a transaction-scoped
// advisory lock, which also covers keys that do not exist yet.
func (s *Store) Update(ctx context.Context, key string, mutate ports.MutateFunc) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock kv entry: %w", err)
		}

		entry, err := get(ctx, tx, key)
		if err != nil {
			return err
		}

		var current []byte
		if entry != nil {
			current = entry.Value
		}

		next, err := mutate(current, entry != nil)
		if err != nil {
			return err
		}

		if next == nil {
			if _, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
				return fmt.Errorf("delete kv entry: %w", err)
			}
			return nil
		}
		return s.put(ctx, tx, key, next)
	})
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Entry, error) {
	query := `
		SELECT key, value, updated_at
		FROM kv_entries
		WHERE key LIKE $1 ESCAPE '\'
		ORDER BY key
	`

	rows, err := s.pool.Query(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list kv entries: %w", err)
	}
	defer rows.Close()

	var entries []ports.Entry
	for rows.Next() {
		var entry ports.Entry
		if err := rows.Scan(&entry.Key, &entry.Value, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan kv entry: %w", err)
		}
		entry.UpdatedAt = entry.UpdatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv entries: %w", err)
	}
	return entries, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func get(ctx context.Context, q querier, key string) (*ports.Entry, error) {
	entry := ports.Entry{Key: key}
	err := q.QueryRow(ctx, `SELECT value, updated_at FROM kv_entries WHERE key = $1`, key).
		Scan(&entry.Value, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select kv entry: %w", err)
	}
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

func (s *Store) put(ctx context.Context, q querier, key string, value []byte) error {
	query := `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`

	if _, err := q.Exec(ctx, query, key, value, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert kv entry: %w", err)
	}
	return nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

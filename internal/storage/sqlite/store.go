package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store is a device-local SQLite key/value store.
type Store struct {
	db *sql.DB
	// mu serializes writers; SQLite allows a single writer anyway and
	// Update must not interleave with another read-modify-write.
	mu  sync.Mutex
	now func() time.Time
}

// Open opens or creates the database file at path. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv_entries: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (*ports.Entry, error) {
	return get(ctx, s.db, key)
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, s.db, key, value)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, key string, mutate ports.MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

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
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete kv entry: %w", err)
		}
	} else if err := s.put(ctx, tx, key, next); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at
		FROM kv_entries
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list kv entries: %w", err)
	}
	defer rows.Close()

	var entries []ports.Entry
	for rows.Next() {
		var (
			entry     ports.Entry
			updatedAt int64
		)
		if err := rows.Scan(&entry.Key, &entry.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan kv entry: %w", err)
		}
		entry.UpdatedAt = time.Unix(0, updatedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv entries: %w", err)
	}
	return entries, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func get(ctx context.Context, q querier, key string) (*ports.Entry, error) {
	var (
		entry     = ports.Entry{Key: key}
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `SELECT value, updated_at FROM kv_entries WHERE key = ?`, key).
		Scan(&entry.Value, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select kv entry: %w", err)
	}
	entry.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &entry, nil
}

func (s *Store) put(ctx context.Context, q querier, key string, value []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert kv entry: %w", err)
	}
	return nil
}

// Ping checks that the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

package leveldb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// timestampSize is the length of the big-endian write time prefixed to every value.
const timestampSize = 8

var errCorruptRecord = errors.New("leveldb record shorter than its timestamp header")

// Store is an embedded LevelDB key/value store.
type Store struct {
	db  *leveldb.DB
	mu  sync.Mutex
	now func() time.Time
}

// Open opens or creates a database directory at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(_ context.Context, key string) (*ports.Entry, error) {
	return s.get(key)
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, value)
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("delete leveldb key: %w", err)
	}
	return nil
}

func (s *Store) Update(_ context.Context, key string, mutate ports.MutateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(key)
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
		if err := s.db.Delete([]byte(key), nil); err != nil {
			return fmt.Errorf("delete leveldb key: %w", err)
		}
		return nil
	}
	return s.put(key, next)
}

func (s *Store) List(_ context.Context, prefix string) ([]ports.Entry, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var entries []ports.Entry
	for iter.Next() {
		entry, err := decode(string(iter.Key()), iter.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate leveldb: %w", err)
	}
	return entries, nil
}

func (s *Store) get(key string) (*ports.Entry, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get leveldb key: %w", err)
	}
	return decode(key, raw)
}

func (s *Store) put(key string, value []byte) error {
	record := make([]byte, timestampSize+len(value))
	binary.BigEndian.PutUint64(record, uint64(s.now().UnixNano()))
	copy(record[timestampSize:], value)

	if err := s.db.Put([]byte(key), record, nil); err != nil {
		return fmt.Errorf("put leveldb key: %w", err)
	}
	return nil
}

func decode(key string, record []byte) (*ports.Entry, error) {
	if len(record) < timestampSize {
		return nil, fmt.Errorf("%w: %s", errCorruptRecord, key)
	}
	value := make([]byte, len(record)-timestampSize)
	copy(value, record[timestampSize:])
	return &ports.Entry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(record[:timestampSize]))).UTC(),
	}, nil
}

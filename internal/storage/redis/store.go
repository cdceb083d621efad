package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/ports"
	"github.com/redis/go-redis/v9"
)

const (
	fieldValue     = "value"
	fieldUpdatedAt = "updated_at"

	maxUpdateAttempts = 100
)

var ErrUpdateContention = errors.New("redis update retried too many times")

// Store keeps each entry in a redis hash. Update uses WATCH and retries on
// conflict, so mutate may run more than once and must not have side effects.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewStore(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "kv"
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) Get(ctx context.Context, key string) (*ports.Entry, error) {
	return s.get(ctx, s.client, key)
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.redisKey(key), s.fields(value)...).Err(); err != nil {
		return fmt.Errorf("hset redis entry: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("del redis entry: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, key string, mutate ports.MutateFunc) error {
	redisKey := s.redisKey(key)

	txf := func(tx *redis.Tx) error {
		entry, err := s.get(ctx, tx, key)
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

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, redisKey)
				return nil
			}
			pipe.HSet(ctx, redisKey, s.fields(next)...)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrUpdateContention, key)
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Entry, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, escapePattern(s.redisKey(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan redis keys: %w", err)
	}
	sort.Strings(keys)

	entries := make([]ports.Entry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.get(ctx, s.client, key)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Store) get(ctx context.Context, cmd hashReader, key string) (*ports.Entry, error) {
	values, err := cmd.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall redis entry: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	updatedAt, err := strconv.ParseInt(values[fieldUpdatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse redis entry time: %w", err)
	}
	return &ports.Entry{
		Key:       key,
		Value:     []byte(values[fieldValue]),
		UpdatedAt: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (s *Store) fields(value []byte) []any {
	return []any{fieldValue, value, fieldUpdatedAt, s.now().UnixNano()}
}

func (s *Store) redisKey(key string) string {
	return s.prefix + ":" + key
}

func escapePattern(pattern string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(pattern)
}

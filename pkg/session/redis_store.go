package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. It is useful when several agent
// processes on different hosts share one local record pool behind a single
// Redis instance; the sync agent itself still treats it as "local" storage.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `yaml:"addr"`
	// Password is the Redis password (optional).
	Password string `yaml:"password"`
	// DB is the Redis database number.
	DB int `yaml:"db"`
	// Prefix is the key prefix for all record keys (default: "harborlog:session:").
	Prefix string `yaml:"prefix"`
	// PoolSize is the connection pool size (default: 10).
	PoolSize int `yaml:"pool_size"`
}

// NewRedisStore creates a Redis-backed record store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "harborlog:session:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + "record:" + id }
func (s *RedisStore) indexKey() string           { return s.prefix + "ids" }
func (s *RedisStore) mtimeKey() string           { return s.prefix + "mtime" }

// List enumerates every stored session as a summary.
func (s *RedisStore) List(ctx context.Context) ([]LocalSummary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	sort.Strings(ids)

	summaries := make([]LocalSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				// Record was deleted, clean up the index.
				s.client.SRem(ctx, s.indexKey(), id)
				continue
			}
			return nil, err
		}

		modified, err := s.client.HGet(ctx, s.mtimeKey(), id).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get record mtime: %w", err)
		}

		summaries = append(summaries, LocalSummary{
			ID:         id,
			ModifiedAt: time.Unix(0, modified).UTC(),
			EntryCount: len(rec.Entries),
		})
	}

	return summaries, nil
}

// Load retrieves a full session record by ID.
func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validateRecordID(id); err != nil {
		return nil, err
	}
	return s.load(ctx, id)
}

func (s *RedisStore) load(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Save creates or overwrites a record and stamps its modification time.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateRecordID(rec.ID); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), rec.ID)
	pipe.HSet(ctx, s.mtimeKey(), rec.ID, time.Now().UTC().UnixNano())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Delete removes a session record.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateRecordID(id); err != nil {
		return err
	}

	removed, err := s.client.SRem(ctx, s.indexKey(), id).Result()
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.recordKey(id))
	pipe.HDel(ctx, s.mtimeKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	if removed == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SetModTime overrides the stored modification time of a record.
func (s *RedisStore) SetModTime(ctx context.Context, id string, t time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validateRecordID(id); err != nil {
		return err
	}

	if err := s.client.HSet(ctx, s.mtimeKey(), id, t.UTC().UnixNano()).Err(); err != nil {
		return fmt.Errorf("set record mtime: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases resources held by the store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Package cache persists per-file results and stats between runs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// ErrNotFound is returned when a key has never been written
var ErrNotFound = errors.New("cache key not found")

// Store is a minimal key/value backend
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// LevelStore keeps the cache in a goleveldb database
type LevelStore struct {
	db *leveldb.DB
}

// NewLevelStore opens (or creates) a leveldb database in dir. A corrupted
// database is recovered from its table files.
func NewLevelStore(dir string) (*LevelStore, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	db, err := leveldb.OpenFile(dir, nil)
	if leveldberrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", dir, err)
	}
	return &LevelStore{db: db}, nil
}

// NewMemoryStore creates a leveldb store that lives only in memory
func NewMemoryStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cache: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Get(_ context.Context, key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *LevelStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), nil)
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

// RedisStore keeps the cache in a single redis hash, so several machines can
// share results.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisStore connects to redis using a redis:// URL
func NewRedisStore(ctx context.Context, url string, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	if namespace == "" {
		namespace = "op-rerun"
	}
	return &RedisStore{client: client, namespace: namespace + ":cache"}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.HGet(ctx, s.namespace, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.HSet(ctx, s.namespace, key, value).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.namespace, key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kickoffdata/api-gateway/internal/models"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "cache:"

// CacheStore persists cache entries. Get returns nil, nil when nothing is stored;
// freshness is decided by the caller.
type CacheStore interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Set(ctx context.Context, entry *models.CacheEntry) error
	Clear(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}

// RedisCacheStore keeps entries in Redis. Entries stay physically present for
// retention after they expire, until overwritten or purged.
type RedisCacheStore struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisCacheStore(client *redis.Client, retention time.Duration) *RedisCacheStore {
	return &RedisCacheStore{
		client:    client,
		retention: retention,
	}
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func (cs *RedisCacheStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	data, err := cs.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}

	return &entry, nil
}

func (cs *RedisCacheStore) Set(ctx context.Context, entry *models.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	err = cs.client.Set(ctx, cacheKeyPrefix+entry.Key, data, cs.expiration(entry)).Err()
	if err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

func (cs *RedisCacheStore) expiration(entry *models.CacheEntry) time.Duration {
	exp := time.Duration(entry.TTLMs)*time.Millisecond + cs.retention
	if exp < time.Second {
		exp = time.Second
	}
	return exp
}

// Clear deletes every entry whose key starts with prefix
func (cs *RedisCacheStore) Clear(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	iter := cs.client.Scan(ctx, 0, cacheKeyPrefix+escapeGlob(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		n, err := cs.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, iter.Err()
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (cs *RedisCacheStore) Ping(ctx context.Context) error {
	return cs.client.Ping(ctx).Err()
}

// MemoryCacheStore is a process-local CacheStore for development and tests
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string]models.CacheEntry
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string]models.CacheEntry)}
}

func (m *MemoryCacheStore) Get(_ context.Context, key string) (*models.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryCacheStore) Set(_ context.Context, entry *models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = *entry
	return nil
}

func (m *MemoryCacheStore) Clear(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryCacheStore) Ping(context.Context) error {
	return nil
}

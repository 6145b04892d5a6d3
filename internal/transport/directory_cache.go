package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultDirectoryCacheKey = "filesearch:servers"

// DirectoryCache stores the last server listing.
type DirectoryCache interface {
	Get(ctx context.Context) ([]string, bool, error)
	Set(ctx context.Context, servers []string, ttl time.Duration) error
}

// RedisDirectoryCache shares the listing between gateway replicas.
type RedisDirectoryCache struct {
	client *redis.Client
	key    string
}

func NewRedisDirectoryCache(client *redis.Client, key string) *RedisDirectoryCache {
	if key == "" {
		key = DefaultDirectoryCacheKey
	}
	return &RedisDirectoryCache{client: client, key: key}
}

func (r *RedisDirectoryCache) Get(ctx context.Context) ([]string, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var servers []string
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, false, err
	}
	return servers, true, nil
}

func (r *RedisDirectoryCache) Set(ctx context.Context, servers []string, ttl time.Duration) error {
	data, err := json.Marshal(servers)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, ttl).Err()
}

type memoryDirectoryCache struct {
	mu        sync.Mutex
	servers   []string
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryDirectoryCache keeps the listing in process.
func NewMemoryDirectoryCache() DirectoryCache {
	return &memoryDirectoryCache{now: time.Now}
}

func (m *memoryDirectoryCache) Get(context.Context) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.servers == nil || !m.now().Before(m.expiresAt) {
		return nil, false, nil
	}
	return append([]string(nil), m.servers...), true, nil
}

func (m *memoryDirectoryCache) Set(_ context.Context, servers []string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(make([]string, 0, len(servers)), servers...)
	m.expiresAt = m.now().Add(ttl)
	return nil
}

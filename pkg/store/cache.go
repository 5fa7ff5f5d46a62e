package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims records one-time keys. Claim reports false when the key was
// already claimed and has not expired. Release frees a claimed key.
type Claims interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaims claims keys with SETNX so every replica shares them.
type RedisClaims struct {
	client *redis.Client
	prefix string
}

func NewRedisClaims(client *redis.Client, prefix string) *RedisClaims {
	return &RedisClaims{client: client, prefix: prefix}
}

func (r *RedisClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, "1", ttl).Result()
}

func (r *RedisClaims) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// MemoryClaims is a single process fallback.
type MemoryClaims struct {
	mu    sync.Mutex
	items map[string]time.Time
	now   func() time.Time
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{items: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.items {
		if now.After(exp) {
			delete(m.items, k)
		}
	}
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryClaims) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// NewClaims uses redis when it answers a ping and memory otherwise.
func NewClaims(ctx context.Context, client *redis.Client, prefix string) Claims {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisClaims(client, prefix)
		}
	}
	return NewMemoryClaims()
}

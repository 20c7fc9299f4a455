package walletlink

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// stateStore is the TTL keyspace behind link requests. Redis in production
// so every replica sees the same pending requests; an in-process map when
// REDIS_ADDR is unset.
type stateStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisState stores link requests in Redis with native TTLs.
type RedisState struct {
	rdb *redis.Client
}

func NewRedisState(rdb *redis.Client) *RedisState {
	return &RedisState{rdb: rdb}
}

func (s *RedisState) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisState) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (s *RedisState) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// MemoryState is the single-process fallback. Entries expire lazily on read
// plus a periodic sweep so abandoned requests do not accumulate.
type MemoryState struct {
	mu    sync.Mutex
	items map[string]memItem
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryState() *MemoryState {
	s := &MemoryState{items: make(map[string]memItem)}
	go s.sweep()
	return s
}

func (s *MemoryState) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.items[key] = memItem{value: cp, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryState) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[key]
	if !ok || time.Now().After(item.expiresAt) {
		delete(s.items, key)
		return nil, false, nil
	}
	return item.value, true, nil
}

func (s *MemoryState) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

func (s *MemoryState) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		s.mu.Lock()
		for k, item := range s.items {
			if now.After(item.expiresAt) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by a Store for unknown or expired ids.
var ErrNotFound = errors.New("session: not found")

// Store persists encoded session payloads.
type Store interface {
	Get(ctx context.Context, id string) ([]byte, error)
	Set(ctx context.Context, id string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// RedisStore keeps sessions under "session:<id>" keys.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Set(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	return s.client.Set(ctx, redisKey(id), data, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisKey(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func redisKey(id string) string {
	return "session:" + id
}

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryStore is the single-process default used when no Redis address is configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !item.expires.IsZero() && s.now().After(item.expires) {
		delete(s.items, id)
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.data...), nil
}

func (s *MemoryStore) Set(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := memoryItem{data: append([]byte(nil), data...)}
	if ttl > 0 {
		item.expires = s.now().Add(ttl)
	}
	s.items[id] = item
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, item := range s.items {
		if !item.expires.IsZero() && now.After(item.expires) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

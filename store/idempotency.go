package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSeenTTL is how long a received event id is remembered.
const DefaultSeenTTL = 15 * time.Minute

// SeenStore remembers keys for a bounded time. It backs deduplication of
// events that reach a server more than once.
type SeenStore interface {
	// FirstSeen records key and reports whether it was absent or expired.
	FirstSeen(ctx context.Context, key string) (bool, error)
}

// ---------------------------------------------------------------------------
// MemorySeenStore
// ---------------------------------------------------------------------------

// MemorySeenStore is a thread-safe in-memory SeenStore for single-server use.
type MemorySeenStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	expires map[string]time.Time
	now     func() time.Time
	writes  int
}

// NewMemorySeenStore creates a store remembering keys for ttl. Zero or less
// uses DefaultSeenTTL.
func NewMemorySeenStore(ttl time.Duration) *MemorySeenStore {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &MemorySeenStore{ttl: ttl, expires: make(map[string]time.Time), now: time.Now}
}

func (s *MemorySeenStore) FirstSeen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("seen key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(s.ttl)
	s.writes++
	// Sweep expired keys every 1024 writes.
	if s.writes%1024 == 0 {
		s.cleanupLocked(now)
	}
	return true, nil
}

// Cleanup removes expired keys and returns how many were dropped.
func (s *MemorySeenStore) Cleanup(_ context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanupLocked(s.now())
}

func (s *MemorySeenStore) cleanupLocked(now time.Time) int {
	count := 0
	for key, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, key)
			count++
		}
	}
	return count
}

// ---------------------------------------------------------------------------
// RedisSeenStore
// ---------------------------------------------------------------------------

// RedisSeenStore is a SeenStore shared by every replica of a server, backed
// by SET NX with an expiry.
type RedisSeenStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisSeenStore creates a store writing keys under prefix+"seen:".
func NewRedisSeenStore(client redis.Cmdable, prefix string, ttl time.Duration) *RedisSeenStore {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &RedisSeenStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSeenStore) FirstSeen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("seen key is required")
	}
	ok, err := s.client.SetNX(ctx, s.prefix+"seen:"+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s seen: %w", key, err)
	}
	return ok, nil
}

var (
	_ SeenStore = (*MemorySeenStore)(nil)
	_ SeenStore = (*RedisSeenStore)(nil)
)

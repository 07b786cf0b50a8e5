package kv

import (
	"context"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemoryEntries = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a bounded in-process Store. The least recently used entry is
// evicted when the bound is reached; expired entries are dropped on access.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, memoryEntry]
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store holding at most maxEntries keys.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	cache, _ := lru.New[string, memoryEntry](maxEntries)
	return &MemoryStore{cache: cache, now: time.Now}
}

// SetClock replaces time.Now, mainly for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok {
		return nil, ErrMiss
	}
	return slices.Clone(entry.value), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := memoryEntry{value: slices.Clone(value)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.cache.Add(key, entry)
	return nil
}

func (s *MemoryStore) GetDel(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(key)
	if !ok {
		return nil, ErrMiss
	}
	s.cache.Remove(key)
	return entry.value, nil
}

// Len reports the number of stored keys, including not-yet-collected expired ones.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// lookup must be called with mu held.
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(s.now()) {
		s.cache.Remove(key)
		return memoryEntry{}, false
	}
	return entry, true
}

package kv

import (
	"context"
	"sync"
	"time"
)

type windowEntry struct {
	member string
	at     time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]windowEntry
	cache   map[string]cacheEntry
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]windowEntry),
		cache:   make(map[string]cacheEntry),
	}
}

// Admit implements Window.
func (s *MemoryStore) Admit(_ context.Context, key, member string, now time.Time, window time.Duration, limit int) (bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	entries := s.windows[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	if len(kept) < limit {
		kept = append(kept, windowEntry{member: member, at: now})
		s.windows[key] = kept
		return true, time.Time{}, nil
	}

	s.windows[key] = kept
	oldest := kept[0].at
	for _, e := range kept[1:] {
		if e.at.Before(oldest) {
			oldest = e.at
		}
	}
	return false, oldest, nil
}

// Get implements Cache.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.cache, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements Cache. A zero ttl stores the entry without expiry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := cacheEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.cache[key] = e
	return nil
}

package kv

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// MemoryStore keeps entries in process memory. Keys are spread over a fixed
// set of shards, each with its own mutex, so unrelated keys never contend.
// It is meant for single-instance deployments and tests.
type MemoryStore struct {
	shards [memoryShards]*memoryShard
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memoryShard{entries: make(map[string]memoryEntry)}
	}
	return s
}

// WithClock swaps the time source; tests use it to age entries.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	if !ok || !e.live(s.now()) {
		delete(sh.entries, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	sh.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok && e.live(s.now()) {
		return false, nil
	}
	sh.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var (
		current []byte
		found   bool
	)
	if e, ok := sh.entries[key]; ok && e.live(s.now()) {
		current = append([]byte(nil), e.value...)
		found = true
	}
	m, err := fn(current, found)
	if err != nil {
		return err
	}
	switch {
	case m.Keep:
	case m.Delete:
		delete(sh.entries, key)
	default:
		sh.entries[key] = memoryEntry{value: append([]byte(nil), m.Value...), expiresAt: s.expiry(m.TTL)}
	}
	return nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := s.now()
	e, ok := sh.entries[key]
	if !ok || !e.live(now) {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(now), nil
}

// Sweep drops every expired entry and reports how many were removed.
func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	now := s.now()
	var removed int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !e.live(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Len counts live entries.
func (s *MemoryStore) Len() int {
	now := s.now()
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.live(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

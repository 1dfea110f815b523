package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	count     int
	expiresAt time.Time
}

// MemoryStore - счетчики в памяти процесса. Рестарт сбрасывает блокировки.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]counter
	lastGC   time.Time
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: map[string]counter{}, lastGC: time.Now(), now: time.Now}
}

// WithClock подменяет часы (тесты).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastGC = now()
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.gc(now)

	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = counter{}
	}
	c.count++
	c.expiresAt = now.Add(ttl)
	s.counters[key] = c
	return c.count, c.expiresAt, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(s.now()) {
		return 0, time.Time{}, nil
	}
	return c.count, c.expiresAt, nil
}

func (s *MemoryStore) Reset(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.counters, key)
	}
	return nil
}

// gc раз в минуту выбрасывает истекшие счетчики.
func (s *MemoryStore) gc(now time.Time) {
	if now.Sub(s.lastGC) < time.Minute {
		return
	}
	for k, c := range s.counters {
		if !c.expiresAt.After(now) {
			delete(s.counters, k)
		}
	}
	s.lastGC = now
}

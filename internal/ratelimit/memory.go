package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the single-instance CounterStore. Each key owns its own
// lock so unrelated keys never contend; the map mutex is only held for the
// lookup. Limits counted here are per process, which is the documented
// limitation of running more than one instance without the Redis store.
type MemoryStore struct {
	mu         sync.Mutex
	counters   map[string]*counter
	maxEntries int
	now        func() time.Time
}

type counter struct {
	mu          sync.Mutex
	count       int64
	windowStart time.Time
	window      time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:   make(map[string]*counter),
		maxEntries: 5000,
		now:        time.Now,
	}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := s.now().UTC()

	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		c = &counter{}
		s.counters[key] = c
		if len(s.counters) > s.maxEntries {
			s.prune(now)
		}
	}
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 || now.Sub(c.windowStart) >= c.window {
		c.windowStart = now
		c.window = window
		c.count = 0
	}
	c.count++

	return c.count, c.windowStart.Add(c.window).Sub(now), nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters = make(map[string]*counter)
	return nil
}

// prune drops counters whose window has already ended. Called with s.mu
// held. Counters that were never incremented are kept; the caller is about
// to bump one of them. A goroutine that looked up its counter before the
// delete increments an orphaned copy and that one count is lost; the next
// request for the key starts a fresh window.
func (s *MemoryStore) prune(now time.Time) {
	for key, c := range s.counters {
		c.mu.Lock()
		stale := c.count > 0 && now.Sub(c.windowStart) >= c.window
		c.mu.Unlock()
		if stale {
			delete(s.counters, key)
		}
	}
}

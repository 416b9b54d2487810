package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A background goroutine periodically
// removes windows that have expired so memory stays bounded by active keys.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     Config
	now     func() time.Time

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type record struct {
	count   int
	resetAt time.Time
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a MemoryStore and starts its sweep goroutine.
// Call Close to stop it.
func NewMemoryStore(cfg Config, opts ...Option) (*MemoryStore, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	s := &MemoryStore{
		records: make(map[string]*record),
		cfg:     cfg,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	} else {
		close(s.done)
	}
	return s, nil
}

// active returns key's record if its window is still open. Callers hold mu.
func (s *MemoryStore) active(key string, now time.Time) *record {
	r, ok := s.records[key]
	if !ok || !now.Before(r.resetAt) {
		return nil
	}
	return r
}

// incr bumps key, opening a new window if needed. Callers hold mu.
func (s *MemoryStore) incr(key string, now time.Time) *record {
	r := s.active(key, now)
	if r == nil {
		r = &record{resetAt: now.Add(s.cfg.Window)}
		s.records[key] = r
	}
	r.count++
	return r
}

func (s *MemoryStore) Check(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.active(key, s.now())
	return r == nil || r.count < s.cfg.MaxRequests, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incr(key, s.now()).count, nil
}

func (s *MemoryStore) Allow(_ context.Context, key string) (bool, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if r := s.active(key, now); r != nil && r.count >= s.cfg.MaxRequests {
		return false, newStatus(r.count, s.cfg.MaxRequests, r.resetAt), nil
	}
	r := s.incr(key, now)
	return true, newStatus(r.count, s.cfg.MaxRequests, r.resetAt), nil
}

func (s *MemoryStore) Status(_ context.Context, key string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.active(key, s.now())
	if r == nil {
		return newStatus(0, s.cfg.MaxRequests, time.Time{}), nil
	}
	return newStatus(r.count, s.cfg.MaxRequests, r.resetAt), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len returns the number of tracked keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Sweep removes every expired window and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for key, r := range s.records {
		if !now.Before(r.resetAt) {
			delete(s.records, key)
			n++
		}
	}
	return n
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count        int
	resetAt      time.Time
	blockedUntil time.Time
}

// MemoryStore keeps counters in process memory. Limits are per instance only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*entry)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, p Policy, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e != nil && now.Before(e.blockedUntil) {
		bu := e.blockedUntil
		return Result{Allowed: false, ResetTime: bu, BlockedUntil: &bu}, nil
	}
	if e == nil || !now.Before(e.resetAt) {
		e = &entry{resetAt: now.Add(p.Window)}
		s.entries[key] = e
	}
	e.count++

	if e.count > p.Max {
		if p.BlockDuration > 0 {
			e.blockedUntil = now.Add(p.BlockDuration)
			bu := e.blockedUntil
			return Result{Allowed: false, ResetTime: bu, BlockedUntil: &bu}, nil
		}
		return Result{Allowed: false, ResetTime: e.resetAt}, nil
	}
	return Result{Allowed: true, Remaining: p.Max - e.count, ResetTime: e.resetAt}, nil
}

// Sweep drops entries whose window and block have both elapsed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if !now.Before(e.resetAt) && !now.Before(e.blockedUntil) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked identifiers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

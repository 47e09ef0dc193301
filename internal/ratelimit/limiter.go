// Package ratelimit implements the per-identifier sliding-window request
// limiter that guards the backend clients. A request is limited once the
// number of recorded timestamps inside the window reaches the maximum.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether one more request for id may go out now.
// Implementations record the request when they allow it.
type Limiter interface {
	Allow(ctx context.Context, id string) bool
}

// SlidingWindow keeps request timestamps per identifier in memory.
type SlidingWindow struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		max:    max,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// WithClock replaces the time source. Used by tests.
func (s *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	s.now = now
	return s
}

// IsLimited reports whether id has reached the maximum inside the window.
func (s *SlidingWindow) IsLimited(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prune(id, s.now())) >= s.max
}

// Record appends the current timestamp for id.
func (s *SlidingWindow) Record(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.hits[id] = append(s.prune(id, now), now)
}

// Allow checks and records under one lock, so concurrent callers cannot both
// slip in under the limit.
func (s *SlidingWindow) Allow(_ context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	hits := s.prune(id, now)
	if len(hits) >= s.max {
		return false
	}
	s.hits[id] = append(hits, now)
	return true
}

// Remaining returns how many requests id may still make in the current window.
func (s *SlidingWindow) Remaining(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.max - len(s.prune(id, s.now()))
	if n < 0 {
		return 0
	}
	return n
}

// Cleanup drops identifiers with no timestamps left in the window.
func (s *SlidingWindow) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id := range s.hits {
		if len(s.prune(id, now)) == 0 {
			delete(s.hits, id)
			removed++
		}
	}
	return removed
}

// prune must be called with mu held. It keeps only timestamps younger than the window.
func (s *SlidingWindow) prune(id string, now time.Time) []time.Time {
	hits := s.hits[id]
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		hits = append(hits[:0:0], hits[i:]...)
		s.hits[id] = hits
	}
	return hits
}

var _ Limiter = (*SlidingWindow)(nil)

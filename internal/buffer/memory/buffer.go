// Package memory provides an in-process buffer store for local development and
// tests. It honours the same contracts as the Redis store but is not shared
// across processes.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clever-search/tracker/internal/id/uuid"
	"github.com/clever-search/tracker/internal/tracking"
)

type window struct {
	count   int64
	resetAt time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

// Store keeps per-site event queues, rate counters and leases in memory.
type Store struct {
	mu       sync.Mutex
	clock    tracking.Clock
	queues   map[string][]tracking.Event
	counters map[string]window
	leases   map[string]lease
}

// New constructs a Store driven by clock.
func New(clock tracking.Clock) *Store {
	return &Store{
		clock:    clock,
		queues:   make(map[string][]tracking.Event),
		counters: make(map[string]window),
		leases:   make(map[string]lease),
	}
}

// Append pushes event to the tail of the site's queue.
func (s *Store) Append(ctx context.Context, siteID string, event tracking.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[siteID] = append(s.queues[siteID], event)
	return nil
}

// PopBatch returns up to maxCount events from the head without removing them.
func (s *Store) PopBatch(ctx context.Context, siteID string, maxCount int) ([]tracking.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pop canceled: %w", err)
	}
	if maxCount <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[siteID]
	n := min(maxCount, len(q))
	out := make([]tracking.Event, n)
	copy(out, q[:n])
	return out, nil
}

// RemoveBatch drops count events from the head of the site's queue.
func (s *Store) RemoveBatch(ctx context.Context, siteID string, count int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("remove canceled: %w", err)
	}
	if count <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[siteID]
	if count >= len(q) {
		delete(s.queues, siteID)
		return nil
	}
	s.queues[siteID] = append([]tracking.Event(nil), q[count:]...)
	return nil
}

// Len reports the number of buffered events for a site.
func (s *Store) Len(ctx context.Context, siteID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("len canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[siteID])), nil
}

// IncrementAndCheck bumps a fixed-window counter.
func (s *Store) IncrementAndCheck(ctx context.Context, key string, maxCount int, win time.Duration) (tracking.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return tracking.Verdict{}, fmt.Errorf("increment canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.currentWindow(key, win)
	w.count++
	s.counters[key] = w
	return verdict(w, maxCount, true), nil
}

// Peek reports the counter without incrementing it.
func (s *Store) Peek(ctx context.Context, key string, maxCount int, win time.Duration) (tracking.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return tracking.Verdict{}, fmt.Errorf("peek canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return verdict(s.currentWindow(key, win), maxCount, false), nil
}

func (s *Store) currentWindow(key string, win time.Duration) window {
	now := s.clock.Now()
	w, ok := s.counters[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(win)}
	}
	return w
}

// verdict reports the window against maxCount. Incremented windows already
// include the current request; peeked ones ask whether one more would fit.
func verdict(w window, maxCount int, incremented bool) tracking.Verdict {
	limit := int64(maxCount)
	allowed := w.count < limit
	if incremented {
		allowed = w.count <= limit
	}
	return tracking.Verdict{
		Allowed:   allowed,
		Count:     w.count,
		Remaining: max(0, limit-w.count),
		ResetAt:   w.resetAt,
	}
}

// TryLock acquires the named lease when it is free or expired.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("lock canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if held, ok := s.leases[name]; ok && now.Before(held.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewToken()
	s.leases[name] = lease{token: token, expiresAt: now.Add(ttl)}
	release := func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if held, ok := s.leases[name]; ok && held.token == token {
			delete(s.leases, name)
		}
		return nil
	}
	return release, true, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

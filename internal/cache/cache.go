package cache

import (
	"context"
	"sync"
	"time"
)

// SubmissionGuard tracks order submissions by key so the same submission is
// never committed twice. A key is pending between Acquire and Complete or
// Release; a completed key remembers the order it produced until its TTL ends.
type SubmissionGuard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, orderID string, ttl time.Duration) error
	Completed(ctx context.Context, key string) (string, bool, error)
	Release(ctx context.Context, key string) error
}

type submission struct {
	orderID string
	expires time.Time
}

type MemorySubmissionGuard struct {
	mu      sync.Mutex
	entries map[string]submission
	now     func() time.Time
}

func NewMemorySubmissionGuard() *MemorySubmissionGuard {
	return &MemorySubmissionGuard{
		entries: make(map[string]submission),
		now:     time.Now,
	}
}

func (g *MemorySubmissionGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if entry, ok := g.entries[key]; ok && now.Before(entry.expires) {
		return false, nil
	}
	g.entries[key] = submission{expires: now.Add(ttl)}
	return true, nil
}

func (g *MemorySubmissionGuard) Complete(_ context.Context, key string, orderID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entries[key] = submission{orderID: orderID, expires: g.now().Add(ttl)}
	return nil
}

func (g *MemorySubmissionGuard) Completed(_ context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok || entry.orderID == "" || !g.now().Before(entry.expires) {
		return "", false, nil
	}
	return entry.orderID, true, nil
}

func (g *MemorySubmissionGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.entries[key]; ok && entry.orderID == "" {
		delete(g.entries, key)
	}
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (g *MemorySubmissionGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for key, entry := range g.entries {
		if !now.Before(entry.expires) {
			delete(g.entries, key)
			removed++
		}
	}
	return removed
}

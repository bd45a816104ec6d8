package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// Entry is a violation together with the time it was recorded.
type Entry struct {
	Violation types.Violation `json:"violation"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Recent is a thread-safe in-memory feed of recent violations, keyed by
// event ID. A background goroutine (Run) evicts entries older than the TTL.
type Recent struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// NewRecent creates a Recent feed with the given TTL.
func NewRecent(ttl time.Duration) *Recent {
	return &Recent{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Put stores or replaces the violation for v.EventID.
func (s *Recent) Put(v types.Violation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[v.EventID] = &Entry{Violation: v, UpdatedAt: s.now()}
}

// Get returns the entry for eventID. The entry may be stale if the TTL has
// elapsed and it has not been evicted yet.
func (s *Recent) Get(eventID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[eventID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns live entries newest first, at most limit of them (0 = all).
func (s *Recent) List(limit int) []Entry {
	s.mu.RLock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Violation.EventID < out[j].Violation.EventID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Count returns the number of entries held, including stale ones.
func (s *Recent) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries older than now minus the TTL and returns how many
// were removed.
func (s *Recent) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, id)
			removed++
		}
	}
	return removed
}

// Run evicts stale entries every half TTL (at least once a second) until ctx
// is cancelled.
func (s *Recent) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted expired violations", "count", n)
			}
		}
	}
}

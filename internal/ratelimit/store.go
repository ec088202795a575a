package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Entry is one fixed-window counter.
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Expired reports whether the window has closed. now == ResetAt is still
// inside the window.
func (e Entry) Expired(now time.Time) bool { return now.After(e.ResetAt) }

// Store holds counters. Hit must perform the read-increment-write as one
// atomic step: a missing or expired entry is replaced by a fresh window
// before incrementing, and the post-increment entry is returned.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (Entry, error)
	Peek(ctx context.Context, key string) (Entry, bool, error)
}

// Sweeper is implemented by stores that need expired entries removed by hand.
type Sweeper interface {
	Sweep() int
}

// MemoryStore is an in-process Store. Counters are lost on restart and are
// not shared between instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty store. now may be nil to use time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]Entry), now: now}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (Entry, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.Expired(now) {
		e = Entry{ResetAt: now.Add(window)}
	}
	e.Count++
	s.entries[key] = e
	return e, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	return e, ok, nil
}

// Sweep deletes every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunSweeper sweeps every interval until ctx is done. onSweep, when set, gets
// the number of removed entries after each pass.
func (s *MemoryStore) RunSweeper(ctx context.Context, every time.Duration, onSweep func(removed, remaining int)) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n := s.Sweep()
			if onSweep != nil {
				onSweep(n, s.Len())
			}
		}
	}
}

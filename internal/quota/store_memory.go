package quota

import (
	"context"
	"sync"
)

type counterKey struct {
	userID string
	kind   Kind
}

type counter struct {
	start  string
	tokens int64
}

// MemoryStore keeps counters in process memory. Counters are lost on restart
// and are not shared between instances.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]counter
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]counter)}
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, userID string, delta int64, windows ...Window) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals := make([]int64, len(windows))
	for i, w := range windows {
		key := counterKey{userID: userID, kind: w.Kind}
		c := s.counters[key]
		switch {
		case c.start == w.Start:
			c.tokens += delta
		case c.start < w.Start:
			c = counter{start: w.Start, tokens: delta}
		}
		s.counters[key] = c
		totals[i] = c.tokens
	}
	return totals, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, userID string, windows ...Window) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := make([]int64, len(windows))
	for i, w := range windows {
		if c, ok := s.counters[counterKey{userID: userID, kind: w.Kind}]; ok && c.start == w.Start {
			used[i] = c.tokens
		}
	}
	return used, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

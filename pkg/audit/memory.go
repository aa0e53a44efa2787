package audit

import (
	"context"
	"slices"
	"sync"
)

// DefaultMemoryCapacity bounds a MemoryStore created with capacity zero.
const DefaultMemoryCapacity = 10000

// MemoryStore is an in-memory Store. When full, the oldest record is evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []Record
	capacity int
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity}
}

// Append stores a record in memory.
func (s *MemoryStore) Append(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == s.capacity {
		copy(s.records, s.records[1:])
		s.records = s.records[:len(s.records)-1]
	}
	s.records = append(s.records, record)
	return nil
}

// List returns matching records in append order.
func (s *MemoryStore) List(_ context.Context, query Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if query.matches(r) {
			out = append(out, r)
		}
	}
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[len(out)-query.Limit:]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// remove drops the records whose event id is in ids. Records appended or
// evicted since ids were collected are left alone.
func (s *MemoryStore) remove(ids map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = slices.DeleteFunc(s.records, func(r Record) bool {
		_, ok := ids[r.EventID]
		return ok
	})
}

// Close is a no-op for memory store.
func (s *MemoryStore) Close() error {
	return nil
}

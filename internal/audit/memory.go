package audit

import (
	"context"
	"sync"
)

const defaultCapacity = 10000

// MemorySink keeps a bounded in-memory trail, oldest entries evicted first.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates a sink bounded at capacity entries (default 10000).
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemorySink{cap: capacity}
}

func (s *MemorySink) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return nil
}

func (s *MemorySink) List(ctx context.Context, orgID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Entry
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if s.entries[i].OrgID == orgID {
			result = append(result, s.entries[i])
		}
	}
	return result, nil
}

package store

import (
	"context"
	"sync"
	"time"
)

// InMemoryRunStore implements RunStore for testing and for sessions that
// should leave no trace on disk.
type InMemoryRunStore struct {
	mu      sync.RWMutex
	records []RunRecord
	nextID  int64
	nowFunc func() time.Time
}

// NewInMemoryRunStore creates a new in-memory store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{nextID: 1, nowFunc: time.Now}
}

// Record appends a record. A zero CreatedAt is filled with the current time.
func (s *InMemoryRunStore) Record(ctx context.Context, r RunRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.nextID
	s.nextID++
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.nowFunc()
	}
	s.records = append(s.records, r)
	return r.ID, nil
}

// List returns matching records, newest first.
func (s *InMemoryRunStore) List(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RunRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if !filter.matches(s.records[i]) {
			continue
		}
		out = append(out, s.records[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Summary aggregates matching records.
func (s *InMemoryRunStore) Summary(ctx context.Context, filter RunFilter) (Summary, error) {
	filter.Limit = 0
	records, err := s.List(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	return summarize(records), nil
}

// Close is a no-op.
func (s *InMemoryRunStore) Close() error {
	return nil
}

package memory

import (
	"context"
	"sync"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/ports"
)

const defaultCapacity = 1000

// ExecutionStore implements ports.ExecutionStore with a bounded in-memory
// map. The oldest record is evicted once capacity is reached.
type ExecutionStore struct {
	capacity int
	records  map[string]*domain.ExecutionRecord
	order    []string
	mu       sync.RWMutex
}

// NewExecutionStore creates a new in-memory store. capacity <= 0 uses 1000.
func NewExecutionStore(capacity int) *ExecutionStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &ExecutionStore{
		capacity: capacity,
		records:  make(map[string]*domain.ExecutionRecord),
	}
}

// Save stores a copy of the record
func (s *ExecutionStore) Save(ctx context.Context, record *domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ExecutionID]; !exists {
		s.order = append(s.order, record.ExecutionID)
	}
	s.records[record.ExecutionID] = clone(record)

	for len(s.order) > s.capacity {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get retrieves a record by execution ID
func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[executionID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return clone(record), nil
}

// List returns up to limit records, newest first
func (s *ExecutionStore) List(ctx context.Context, limit int) ([]*domain.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]*domain.ExecutionRecord, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(s.records[s.order[i]]))
	}
	return out, nil
}

func clone(r *domain.ExecutionRecord) *domain.ExecutionRecord {
	c := *r
	c.Nodes = append([]domain.NodeTrace(nil), r.Nodes...)
	return &c
}

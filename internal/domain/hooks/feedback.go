package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FeedbackStore persists card feedback.
type FeedbackStore interface {
	Record(ctx context.Context, serviceID string, fb Feedback) (*FeedbackRecord, error)
	// RecordBatch stores every item or none of them.
	RecordBatch(ctx context.Context, serviceID string, items []Feedback) ([]*FeedbackRecord, error)
	ListByService(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error)
}

// FeedbackService validates and records feedback for registered services.
type FeedbackService struct {
	registry *Registry
	store    FeedbackStore
}

// NewFeedbackService creates a FeedbackService.
func NewFeedbackService(registry *Registry, store FeedbackStore) *FeedbackService {
	return &FeedbackService{registry: registry, store: store}
}

// Submit validates every item first and records them only if all pass.
func (s *FeedbackService) Submit(ctx context.Context, serviceID string, req FeedbackRequest) ([]*FeedbackRecord, error) {
	if _, err := s.registry.Find(serviceID); err != nil {
		return nil, err
	}
	if len(req.Feedback) == 0 {
		return nil, fmt.Errorf("%w: feedback must contain at least one item", ErrInvalidRequest)
	}
	for i, fb := range req.Feedback {
		if err := fb.Validate(); err != nil {
			return nil, fmt.Errorf("%w: feedback %d: %v", ErrInvalidRequest, i, err)
		}
	}
	out, err := s.store.RecordBatch(ctx, serviceID, req.Feedback)
	if err != nil {
		return nil, fmt.Errorf("record feedback for %s: %w", serviceID, err)
	}
	return out, nil
}

// List returns recorded feedback for serviceID, newest first.
func (s *FeedbackService) List(ctx context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	if _, err := s.registry.Find(serviceID); err != nil {
		return nil, 0, err
	}
	return s.store.ListByService(ctx, serviceID, limit, offset)
}

// MemoryFeedbackStore keeps feedback in process memory.
type MemoryFeedbackStore struct {
	mu      sync.RWMutex
	records map[string][]*FeedbackRecord
	now     func() time.Time
}

// NewMemoryFeedbackStore creates an empty in-memory store.
func NewMemoryFeedbackStore() *MemoryFeedbackStore {
	return &MemoryFeedbackStore{records: make(map[string][]*FeedbackRecord), now: time.Now}
}

func (m *MemoryFeedbackStore) Record(ctx context.Context, serviceID string, fb Feedback) (*FeedbackRecord, error) {
	recs, err := m.RecordBatch(ctx, serviceID, []Feedback{fb})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

func (m *MemoryFeedbackStore) RecordBatch(_ context.Context, serviceID string, items []Feedback) ([]*FeedbackRecord, error) {
	now := m.now().UTC()
	out := make([]*FeedbackRecord, 0, len(items))
	for _, fb := range items {
		out = append(out, &FeedbackRecord{
			ID:        uuid.NewString(),
			ServiceID: serviceID,
			Feedback:  fb,
			CreatedAt: now,
		})
	}
	m.mu.Lock()
	m.records[serviceID] = append(m.records[serviceID], out...)
	m.mu.Unlock()
	return out, nil
}

func (m *MemoryFeedbackStore) ListByService(_ context.Context, serviceID string, limit, offset int) ([]*FeedbackRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.records[serviceID]
	total := len(all)
	var out []*FeedbackRecord
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, total, nil
}

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/skelly-jelly/pipeline/internal/model"
)

// MemoryStore is the default Store: an in-memory, mutex-guarded set of
// maps (lock, mutate/copy, unlock; never leak internal pointers to
// callers).
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]model.EventBatch
	refs    map[string]model.ScreenshotRef
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]model.EventBatch),
		refs:    make(map[string]model.ScreenshotRef),
	}
}

func (s *MemoryStore) AppendBatchMetadata(_ context.Context, batch model.EventBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Only metadata is retained: batch IDs, bounds, and ref records; the
	// raw events are dropped from this copy before it is stored.
	batch.Events = nil
	s.batches[batch.BatchID] = batch
	return nil
}

func (s *MemoryStore) PutScreenshotRef(_ context.Context, ref model.ScreenshotRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref.ID] = ref
	return nil
}

func (s *MemoryStore) GetScreenshotRef(_ context.Context, id string) (model.ScreenshotRef, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.refs[id]
	return ref, ok, nil
}

func (s *MemoryStore) MarkScreenshotAnalyzed(_ context.Context, id string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[id]
	if !ok {
		return &ErrNotFound{ID: id}
	}
	ref.ProcessedFlag = true
	s.refs[id] = ref
	_ = completedAt
	return nil
}

func (s *MemoryStore) DeleteScreenshotRef(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, id)
	return nil
}

func (s *MemoryStore) ListExpiredScreenshotRefs(_ context.Context, now time.Time) ([]model.ScreenshotRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var expired []model.ScreenshotRef
	for _, ref := range s.refs {
		if !ref.ExpiresAt.After(now) {
			expired = append(expired, ref)
		}
	}
	return expired, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/hospital-bulk-engine/internal/domain"
)

// MemoryStore keeps records in process memory. Each record sits behind an
// atomic pointer and is replaced whole on every write, so readers always
// load a fully formed snapshot without taking the writer's path.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*atomic.Pointer[domain.BatchRecord]
}

var _ BatchStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*atomic.Pointer[domain.BatchRecord])}
}

func (s *MemoryStore) Create(_ context.Context, record domain.BatchRecord) error {
	if record.BatchID == "" {
		return fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.BatchID]; exists {
		return fmt.Errorf("%w: batch %s already exists", domain.ErrConflict, record.BatchID)
	}

	snapshot := record.Clone()
	ptr := &atomic.Pointer[domain.BatchRecord]{}
	ptr.Store(&snapshot)
	s.records[record.BatchID] = ptr
	return nil
}

func (s *MemoryStore) Get(_ context.Context, batchID string) (domain.BatchRecord, error) {
	ptr, err := s.lookup(batchID)
	if err != nil {
		return domain.BatchRecord{}, err
	}
	return ptr.Load().Clone(), nil
}

func (s *MemoryStore) ApplyRowOutcome(_ context.Context, batchID string, outcome domain.RowOutcome, delta domain.CounterDelta) (domain.BatchRecord, error) {
	return s.update(batchID, func(record *domain.BatchRecord) error {
		record.ApplyOutcome(outcome, delta)
		return nil
	})
}

func (s *MemoryStore) ApplyFinalUpdate(_ context.Context, batchID string, update domain.FinalUpdate) (domain.BatchRecord, error) {
	return s.update(batchID, func(record *domain.BatchRecord) error {
		record.ApplyFinal(update)
		return nil
	})
}

func (s *MemoryStore) ClaimRetry(_ context.Context, batchID string) ([]domain.RowOutcome, error) {
	var candidates []domain.RowOutcome
	_, err := s.update(batchID, func(record *domain.BatchRecord) error {
		if record.Status == domain.BatchStatusProcessing {
			return fmt.Errorf("%w: batch %s is already processing", domain.ErrConflict, batchID)
		}
		candidates = record.RetryCandidates()
		if len(candidates) == 0 {
			return errNothingToRetry
		}
		record.BeginRetry()
		return nil
	})
	if errors.Is(err, errNothingToRetry) {
		return []domain.RowOutcome{}, nil
	}
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

func (s *MemoryStore) EvictCompleted(_ context.Context, finishedBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for batchID, ptr := range s.records {
		record := ptr.Load()
		if record.Status != domain.BatchStatusCompleted || record.FinishedAt == nil {
			continue
		}
		if record.FinishedAt.Before(finishedBefore) {
			delete(s.records, batchID)
			evicted = append(evicted, batchID)
		}
	}
	return evicted, nil
}

// Len returns the number of tracked batches.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var errNothingToRetry = errors.New("nothing to retry")

func (s *MemoryStore) lookup(batchID string) (*atomic.Pointer[domain.BatchRecord], error) {
	s.mu.RLock()
	ptr, ok := s.records[batchID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	return ptr, nil
}

// update applies mutate to a private clone and publishes it with a
// compare-and-swap, retrying if another writer got there first. A mutate
// error aborts without publishing. The read lock keeps eviction out while
// the write is in progress.
func (s *MemoryStore) update(batchID string, mutate func(*domain.BatchRecord) error) (domain.BatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ptr, ok := s.records[batchID]
	if !ok {
		return domain.BatchRecord{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}

	for {
		current := ptr.Load()
		next := current.Clone()
		if err := mutate(&next); err != nil {
			return domain.BatchRecord{}, err
		}
		if ptr.CompareAndSwap(current, &next) {
			return next.Clone(), nil
		}
	}
}

package ledger

import (
	"context"
	"sync"

	"github.com/hupe1980/roundtable/core"
)

// InMemoryStore is a volatile core.LedgerStore keeping records in a process
// local map. It is safe for concurrent access. Records are cloned on the way
// in and out so callers cannot mutate stored state.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string]core.RunRecord
}

var _ core.LedgerStore = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: make(map[string]core.RunRecord)}
}

// Insert stores rec unless its run id is already known.
func (s *InMemoryStore) Insert(_ context.Context, rec core.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; ok {
		return core.ErrRunExists
	}
	s.runs[rec.RunID] = rec.Clone()
	return nil
}

// Get returns a copy of the record of runID.
func (s *InMemoryStore) Get(_ context.Context, runID string) (core.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return core.RunRecord{}, core.ErrRunNotFound
	}
	return rec.Clone(), nil
}

// Finalize applies f while the record is pending.
func (s *InMemoryStore) Finalize(_ context.Context, runID string, f core.Finalization) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return false, core.ErrRunNotFound
	}
	if rec.Status != core.StatusPending {
		return false, nil
	}
	s.runs[runID] = f.Apply(rec).Clone()
	return true, nil
}

// Len returns the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

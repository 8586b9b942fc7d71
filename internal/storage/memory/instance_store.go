// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshboard/meshboard/internal/federation"
)

// InstanceStore is an in-memory federation.InstanceStore.
type InstanceStore struct {
	clock federation.Clock

	mu      sync.RWMutex
	records map[string]federation.InstanceRecord
}

// NewInstanceStore constructs an InstanceStore.
func NewInstanceStore(clock federation.Clock) *InstanceStore {
	return &InstanceStore{
		clock:   clock,
		records: make(map[string]federation.InstanceRecord),
	}
}

// Upsert creates or refreshes a record, never regressing LastUpdateTime.
func (s *InstanceStore) Upsert(_ context.Context, rec federation.InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.ID]; ok && existing.LastUpdateTime > rec.LastUpdateTime {
		rec.LastUpdateTime = existing.LastUpdateTime
	}
	s.records[rec.ID] = rec
	return nil
}

// ListFresh returns non-private records within the freshness window, newest
// first. Stale records remain stored.
func (s *InstanceStore) ListFresh(_ context.Context, window time.Duration) ([]federation.InstanceRecord, error) {
	cutoff := s.clock.Now().Add(-window).Unix()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []federation.InstanceRecord
	for _, rec := range s.records {
		if rec.IsPrivate || rec.LastUpdateTime < cutoff {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].LastUpdateTime > recs[j].LastUpdateTime
	})
	return recs, nil
}

// Get loads a single record or returns federation.ErrNotFound.
func (s *InstanceStore) Get(_ context.Context, id string) (federation.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return federation.InstanceRecord{}, federation.ErrNotFound
	}
	return rec, nil
}

// Len reports the number of stored records, stale ones included.
func (s *InstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Package memory provides an in-process snapshot backend. Snapshots are kept
// in encoded form so callers never share memory with stored state.
package memory

import (
	"context"
	"sort"
	"sync"

	"engagementcore/pkg/domain"
)

var _ domain.SnapshotBackend = (*Store)(nil)

// Store keeps one encoded snapshot per engagement.
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
	saves int
}

// NewStore returns an empty in-memory backend.
func NewStore() *Store {
	return &Store{items: make(map[string][]byte)}
}

// SaveSnapshot replaces the stored snapshot for engagementID.
func (s *Store) SaveSnapshot(ctx context.Context, engagementID string, snapshot domain.EngagementSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot.EngagementID = engagementID
	data, err := domain.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[engagementID] = data
	s.saves++
	s.mu.Unlock()
	return nil
}

// LoadSnapshot decodes the stored snapshot for engagementID.
func (s *Store) LoadSnapshot(ctx context.Context, engagementID string) (domain.EngagementSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.EngagementSnapshot{}, err
	}
	s.mu.RLock()
	data, ok := s.items[engagementID]
	s.mu.RUnlock()
	if !ok {
		return domain.EngagementSnapshot{}, domain.ErrSnapshotNotFound
	}
	return domain.DecodeSnapshot(data)
}

// Engagements lists stored engagement ids in lexical order.
func (s *Store) Engagements() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for id := range s.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Saves reports how many saves were acknowledged.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

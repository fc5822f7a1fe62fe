package session

import (
	"context"
	"sync"
)

// SnapshotStore holds the last full document text per room.
//
// Set overwrites unconditionally. Concurrent edits from different members can
// overwrite each other; convergence comes from the next full-text broadcast,
// not from merging.
type SnapshotStore interface {
	// Get returns "" when the room has no recorded snapshot.
	Get(ctx context.Context, roomID string) (string, error)
	Set(ctx context.Context, roomID, text string) error
	Delete(ctx context.Context, roomID string) error
}

type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{docs: make(map[string]string)} }

var _ SnapshotStore = (*MemoryStore)(nil)

func (s *MemoryStore) Get(_ context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[roomID], nil
}

func (s *MemoryStore) Set(_ context.Context, roomID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[roomID] = text
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, roomID)
	return nil
}

// Len reports how many rooms currently hold a snapshot.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

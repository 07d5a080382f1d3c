// internal/syncqueue/store.go
package syncqueue

import (
	"context"
	"sync"
)

// Store persists the serialized queue as one opaque document. Write replaces
// the whole document; a Store must never expose a half-written one.
type Store interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, content string) error
}

// MemoryStore keeps the document in memory.
type MemoryStore struct {
	mu      sync.Mutex
	content string
	writes  int
	failErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Read(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, nil
}

func (s *MemoryStore) Write(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.content = content
	s.writes++
	return nil
}

// Writes reports how many successful writes the store has seen.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailWrites makes subsequent writes return err. A nil err restores them.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

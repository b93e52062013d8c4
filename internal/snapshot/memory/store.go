// Package memory is an in-process snapshot store for tests and ephemeral
// runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/oddfrontier/internal/crawler"
)

// Store keeps snapshot blobs in a map.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Save stores a copy of data under name.
func (s *Store) Save(_ context.Context, name string, data []byte) (string, error) {
	if name == "" {
		return "", fmt.Errorf("snapshot name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.blobs[name] = buf
	return "mem://" + name, nil
}

// Load returns a copy of the stored blob.
func (s *Store) Load(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", crawler.ErrSnapshotNotFound, name)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

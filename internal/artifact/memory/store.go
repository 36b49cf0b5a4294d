// Package memory stores artifacts in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps artifact payloads in a map and returns pseudo URIs.
// Put is idempotent: repeated writes to the same key overwrite.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates a new in-memory artifact store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put persists the payload under collection/key and returns a URI.
func (s *Store) Put(_ context.Context, collection, key, _ string, payload []byte) (string, error) {
	if collection == "" || key == "" {
		return "", fmt.Errorf("collection and key are required")
	}
	path := collection + "/" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), payload...)
	return "memory://" + path, nil
}

// Get returns the stored payload, for tests.
func (s *Store) Get(collection, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.data[collection+"/"+key]
	return payload, ok
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

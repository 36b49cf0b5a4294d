// Package memory provides an in-memory snapshot store for tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/edusync/harvester/internal/core"
)

// Store keeps snapshot records as marshaled JSON, mirroring what a
// durable backend would round-trip.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns a memory Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Save marshals value and stores it under key.
func (s *Store) Save(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal snapshot %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

// Load unmarshals the record stored under key into out.
func (s *Store) Load(_ context.Context, key string, out any) error {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return core.ErrSnapshotNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal snapshot %q: %w", key, err)
	}
	return nil
}

// Raw returns the stored JSON for key, for tests that assert what was
// persisted.
func (s *Store) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	return raw, ok
}

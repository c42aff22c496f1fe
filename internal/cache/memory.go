package cache

import (
	"context"
	"sync"
)

// memoryStore keeps the durable tier in process memory. It backs tests and
// single-node deployments where restart durability does not matter.
type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty in-memory durable store.
func NewMemoryStore() DurableStore {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (s *memoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.clone(), true, nil
}

func (s *memoryStore) Put(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Key = key
	s.entries[key] = entry.clone()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) QueryByFingerprint(_ context.Context, fingerprint, module string) ([]Entry, error) {
	if fingerprint == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Entry
	for _, entry := range s.entries {
		if entry.Fingerprint == fingerprint && entry.Meta.Module == module {
			matches = append(matches, entry.clone())
		}
	}
	return matches, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

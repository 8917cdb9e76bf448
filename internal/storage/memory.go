package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStorage is an in-memory storage backend.
type MemoryStorage struct {
	modules map[string]map[string]*ModuleState // dir -> name -> state
	mu      sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		modules: make(map[string]map[string]*ModuleState),
	}
}

// Store saves a copy of m.
func (s *MemoryStorage) Store(m *ModuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.modules[m.Dir]
	if !ok {
		byName = make(map[string]*ModuleState)
		s.modules[m.Dir] = byName
	}
	stored := *m
	byName[m.Name] = &stored
	return nil
}

// Load retrieves a copy of one module's state.
func (s *MemoryStorage) Load(dir, name string) (*ModuleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.modules[dir][name]
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", name, dir, ErrNotFound)
	}
	loaded := *m
	return &loaded, nil
}

// Delete removes one module's state.
func (s *MemoryStorage) Delete(dir, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.modules[dir], name)
	if len(s.modules[dir]) == 0 {
		delete(s.modules, dir)
	}
	return nil
}

// List returns copies of every state for dir, sorted by name.
func (s *MemoryStorage) List(dir string) ([]*ModuleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*ModuleState, 0, len(s.modules[dir]))
	for _, m := range s.modules[dir] {
		copied := *m
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// Clear removes all state for dir.
func (s *MemoryStorage) Clear(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.modules, dir)
	return nil
}

// Close is a no-op for memory storage.
func (s *MemoryStorage) Close() error {
	return nil
}

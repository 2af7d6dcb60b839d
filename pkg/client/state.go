package client

import (
	"sort"
	"sync"

	"github.com/loomsync/loomsync/pkg/merge"
)

// MemoryState is an in-memory LocalState for tests and simple
// embedders. Safe for concurrent use.
type MemoryState struct {
	mu       sync.RWMutex
	entities map[string]merge.Entity
}

// NewMemoryState creates an empty in-memory local state.
func NewMemoryState() *MemoryState {
	return &MemoryState{entities: make(map[string]merge.Entity)}
}

// List returns all entities ordered by id.
func (s *MemoryState) List() ([]merge.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]merge.Entity, 0, len(s.entities))
	for _, entity := range s.entities {
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Replace swaps the full collection.
func (s *MemoryState) Replace(entities []merge.Entity) error {
	next := make(map[string]merge.Entity, len(entities))
	for _, entity := range entities {
		next[entity.ID] = entity
	}
	s.mu.Lock()
	s.entities = next
	s.mu.Unlock()
	return nil
}

// Put inserts or updates one entity.
func (s *MemoryState) Put(entity merge.Entity) error {
	s.mu.Lock()
	s.entities[entity.ID] = entity
	s.mu.Unlock()
	return nil
}

// Delete removes one entity.
func (s *MemoryState) Delete(id string) error {
	s.mu.Lock()
	delete(s.entities, id)
	s.mu.Unlock()
	return nil
}

// Get returns one entity by id.
func (s *MemoryState) Get(id string) (merge.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	return entity, ok
}

// Len returns the number of entities held.
func (s *MemoryState) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

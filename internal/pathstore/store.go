// Package pathstore holds a status tree addressed by dotted paths
// ("plc.dome.temp") together with the lock that guards it.
package pathstore

import (
	"context"
	"fmt"
	"sync"

	"statusmon/internal/storage"
	"statusmon/internal/value"
)

// Store is a Tree guarded by one mutex. The mutex is exported through
// Lock/Unlock so owners can keep their own state consistent with the tree;
// Tree() may only be used while holding it.
type Store struct {
	mu      sync.Mutex
	tree    *Tree
	backend storage.Backend
}

// NewStore returns an empty store. backend may be nil.
func NewStore(backend storage.Backend) *Store {
	return &Store{tree: NewTree(), backend: backend}
}

func (s *Store) Lock()   { s.mu.Lock() }
func (s *Store) Unlock() { s.mu.Unlock() }

// Tree returns the underlying tree. Caller must hold the lock.
func (s *Store) Tree() *Tree { return s.tree }

func (s *Store) SetBackend(b storage.Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

func (s *Store) Get(path string) (value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Get(path)
}

func (s *Store) Subtree(path string) (value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Subtree(path)
}

func (s *Store) Flat(path string) (map[string]value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Flat(path)
}

func (s *Store) Items(path string) (map[string]value.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Items(path)
}

func (s *Store) Keys(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Keys(path)
}

func (s *Store) LeafPaths(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.LeafPaths(path)
}

func (s *Store) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Has(path)
}

func (s *Store) IsLeaf(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.IsLeaf(path)
}

func (s *Store) Set(path string, v value.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Set(path, v)
}

func (s *Store) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Delete(path)
}

func (s *Store) Snapshot() value.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Snapshot()
}

// Save writes a snapshot through the backend. The lock is only held while
// the snapshot is taken.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	b := s.backend
	snap := s.tree.Snapshot()
	s.mu.Unlock()
	if b == nil {
		return ErrNoBackend
	}
	if err := b.Save(ctx, snap); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// Restore replaces the tree with the backend's last snapshot.
// storage.ErrEmpty is returned unchanged (wrapped) when nothing was saved.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	b := s.backend
	s.mu.Unlock()
	if b == nil {
		return ErrNoBackend
	}
	snap, err := b.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Load(snap)
}

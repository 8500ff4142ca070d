// Package memstore keeps the history tree in memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/narvanalabs/buildmaster/internal/history"
)

// Store implements history.Store with maps. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	records  map[string]history.Record
	children map[string]map[string]bool
	closed   bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]history.Record),
		children: make(map[string]map[string]bool),
	}
}

func (s *Store) check() error {
	if s.closed {
		return history.ErrClosed
	}
	return nil
}

// Create implements history.Store.
func (s *Store) Create(ctx context.Context, rec history.Record) error {
	if err := rec.Path.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	key := rec.Path.String()
	if _, exists := s.records[key]; exists {
		return fmt.Errorf("%w: %s", history.ErrKeyConflict, key)
	}
	parent := rec.Path.Parent().String()
	if len(rec.Path) > 1 {
		if _, ok := s.records[parent]; !ok {
			return fmt.Errorf("%w: parent %s", history.ErrNotFound, parent)
		}
	}

	rec.Path = append(history.Path(nil), rec.Path...)
	s.records[key] = rec
	if s.children[parent] == nil {
		s.children[parent] = make(map[string]bool)
	}
	s.children[parent][rec.Key()] = true
	return nil
}

// Get implements history.Store.
func (s *Store) Get(ctx context.Context, path history.Path) (history.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return history.Record{}, err
	}

	rec, ok := s.records[path.String()]
	if !ok {
		return history.Record{}, fmt.Errorf("%w: %s", history.ErrNotFound, path)
	}
	return rec, nil
}

// Children implements history.Store.
func (s *Store) Children(ctx context.Context, parent history.Path) ([]history.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	key := parent.String()
	if len(parent) > 0 {
		if _, ok := s.records[key]; !ok {
			return nil, fmt.Errorf("%w: %s", history.ErrNotFound, key)
		}
	}

	names := make([]string, 0, len(s.children[key]))
	for name := range s.children[key] {
		names = append(names, name)
	}
	sort.Strings(names)

	recs := make([]history.Record, 0, len(names))
	for _, name := range names {
		recs = append(recs, s.records[parent.Child(name).String()])
	}
	return recs, nil
}

// Delete implements history.Store.
func (s *Store) Delete(ctx context.Context, path history.Path) ([]history.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	key := path.String()
	if _, ok := s.records[key]; !ok {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, key)
	}

	var removed []history.Record
	var walk func(p history.Path)
	walk = func(p history.Path) {
		k := p.String()
		for name := range s.children[k] {
			walk(p.Child(name))
		}
		delete(s.children, k)
		removed = append(removed, s.records[k])
		delete(s.records, k)
	}
	walk(path)

	if siblings := s.children[path.Parent().String()]; siblings != nil {
		delete(siblings, path[len(path)-1])
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements history.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

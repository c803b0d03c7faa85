package userstore

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]map[string]any
	status   any
	watchers map[int]func(any)
	nextID   int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]map[string]any),
		watchers: make(map[int]func(any)),
	}
}

func (s *InMemoryStore) Mode() string { return "memory" }

// Put replaces the record stored under id.
func (s *InMemoryStore) Put(id string, rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = cloneMap(rec)
}

func (s *InMemoryStore) GetUser(_ context.Context, id string) (Record, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return Record(cloneMap(rec)), nil
}

func (s *InMemoryStore) PatchUser(_ context.Context, id string, fields map[string]any) error {
	if err := validateKey(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok {
		rec = make(map[string]any)
		s.users[id] = rec
	}
	applyPatch(rec, fields)
	return nil
}

// SetStatus stores a new status value and notifies every watcher.
func (s *InMemoryStore) SetStatus(v any) {
	s.mu.Lock()
	s.status = v
	fns := make([]func(any), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *InMemoryStore) WatchStatus(ctx context.Context, fn func(any)) error {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	current := s.status
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()

	if current != nil {
		fn(current)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *InMemoryStore) Close() error { return nil }

package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a map-backed Store for embedding and tests. Items are
// partitioned by session id; a session's map is only reachable through its
// own key, so cross-session reads are structurally impossible.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Item
	closed   bool
}

// NewInMemoryStore creates an empty in-memory long-term store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]map[string]Item)}
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) Persist(_ context.Context, sess Session, item Item) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrClosed
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	item.SessionID = sess.ID()
	bucket, ok := s.sessions[sess.ID()]
	if !ok {
		bucket = make(map[string]Item)
		s.sessions[sess.ID()] = bucket
	}
	bucket[item.ID] = cloneItem(item)
	return item, nil
}

func (s *InMemoryStore) Get(_ context.Context, sess Session, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Item{}, ErrClosed
	}
	item, ok := s.sessions[sess.ID()][id]
	if !ok {
		return Item{}, &NotFoundError{SessionID: sess.ID(), ID: id}
	}
	return cloneItem(item), nil
}

func (s *InMemoryStore) Query(_ context.Context, sess Session, f Filter) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Item
	for _, item := range s.sessions[sess.ID()] {
		if f.Type != "" && item.Type != f.Type {
			continue
		}
		if f.MinImportance > 0 && item.Importance < f.MinImportance {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, sess Session, id string, patch Patch) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrClosed
	}
	item, ok := s.sessions[sess.ID()][id]
	if !ok {
		return Item{}, &NotFoundError{SessionID: sess.ID(), ID: id}
	}
	patch.apply(&item)
	s.sessions[sess.ID()][id] = cloneItem(item)
	return item, nil
}

func (s *InMemoryStore) Delete(_ context.Context, sess Session, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.sessions[sess.ID()][id]; !ok {
		return &NotFoundError{SessionID: sess.ID(), ID: id}
	}
	delete(s.sessions[sess.ID()], id)
	return nil
}

func (s *InMemoryStore) Count(_ context.Context, sess Session) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.sessions[sess.ID()]), nil
}

func (s *InMemoryStore) Clear(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.sessions, sess.ID())
	return nil
}

func (s *InMemoryStore) AddMetric(context.Context, string, float64, map[string]string) error {
	return nil
}

// cloneItem deep-copies the payload so callers can never alias stored state
// through nested maps or slices.
func cloneItem(item Item) Item {
	if item.Data != nil {
		item.Data = cloneData(item.Data)
	}
	return item
}

func cloneData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

package history

import (
	"context"
	"sync"
	"time"
)

// DefaultRetention is how many entries are kept per user.
const DefaultRetention = 100

// MemoryStore keeps the newest entries per user in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	byUser    map[string][]*Entry
	byID      map[string]*Entry
	retention int
}

func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		byUser:    make(map[string][]*Entry),
		byID:      make(map[string]*Entry),
		retention: retention,
	}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	cp := cloneEntry(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]*Entry{&cp}, s.byUser[e.UserID]...)
	if len(list) > s.retention {
		for _, old := range list[s.retention:] {
			delete(s.byID, old.ID)
		}
		list = list[:s.retention]
	}
	s.byUser[e.UserID] = list
	s.byID[e.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneEntry(*e)
	return &cp, nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byUser[userID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]Entry, 0, len(list))
	for _, e := range list {
		out = append(out, cloneEntry(*e))
	}
	return out, nil
}

func (s *MemoryStore) MarkRolledBack(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if e.IsRolledBack {
		return ErrAlreadyRolledBack
	}
	e.IsRolledBack = true
	at = at.UTC()
	e.RolledBackAt = &at
	return nil
}

func cloneEntry(e Entry) Entry {
	cp := e
	cp.Items = make([]Item, len(e.Items))
	for i, it := range e.Items {
		cp.Items[i] = it
		cp.Items[i].PreviousLabelIDs = append([]string(nil), it.PreviousLabelIDs...)
	}
	if e.RolledBackAt != nil {
		t := *e.RolledBackAt
		cp.RolledBackAt = &t
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

package saga

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *evt)
	return nil
}

func (s *MemoryStore) ListBySaga(_ context.Context, sagaID string) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, evt := range s.events {
		if evt.SagaID == sagaID {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ListBySubject returns the newest events first.
func (s *MemoryStore) ListBySubject(_ context.Context, subject string, limit int) ([]Event, error) {
	return s.newest(limit, func(evt Event) bool { return evt.Subject == subject }), nil
}

func (s *MemoryStore) newest(limit int, keep func(Event) bool) []Event {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out
}

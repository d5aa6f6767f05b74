package presence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps presence records in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]Presence
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]Presence)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Update(_ context.Context, sessionID, clientID string, mutate func(Presence, bool) (Presence, error)) (Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.sessions[sessionID][clientID]
	next, err := mutate(current.Clone(), found)
	if err != nil {
		return Presence{}, err
	}
	next.SessionID = sessionID
	next.ClientID = clientID

	records, ok := s.sessions[sessionID]
	if !ok {
		records = make(map[string]Presence)
		s.sessions[sessionID] = records
	}
	records[clientID] = next.Clone()
	return next, nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID, clientID string) (Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, found := s.sessions[sessionID][clientID]
	if !found {
		return Presence{}, fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, clientID)
	}
	s.removeLocked(sessionID, clientID)
	return record, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Presence, error) {
	s.mu.Lock()
	records := make([]Presence, 0, len(s.sessions[sessionID]))
	for _, record := range s.sessions[sessionID] {
		records = append(records, record.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(records, func(a, b Presence) int { return strings.Compare(a.ClientID, b.ClientID) })
	return records, nil
}

func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) ([]Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]Presence, 0)
	for sessionID, records := range s.sessions {
		for clientID, record := range records {
			if record.LastSeen.Before(cutoff) {
				expired = append(expired, record)
				s.removeLocked(sessionID, clientID)
			}
		}
	}
	slices.SortFunc(expired, func(a, b Presence) int {
		if c := strings.Compare(a.SessionID, b.SessionID); c != 0 {
			return c
		}
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return expired, nil
}

func (s *MemoryStore) removeLocked(sessionID, clientID string) {
	delete(s.sessions[sessionID], clientID)
	if len(s.sessions[sessionID]) == 0 {
		delete(s.sessions, sessionID)
	}
}

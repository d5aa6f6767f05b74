package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/leofalp/agentcanvas/providers/observability"
)

const (
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultSubscriberBuffer is the number of messages queued per
	// subscriber before further messages to it are dropped.
	DefaultSubscriberBuffer = 64
)

// MessageType tells peers what happened to a record.
type MessageType string

const (
	MessageJoin   MessageType = "join"
	MessageUpdate MessageType = "update"
	MessageLeave  MessageType = "leave"
)

// Message is broadcast to the peers of a session.
type Message struct {
	Type     MessageType `json:"type"`
	Presence Presence    `json:"presence"`
}

// Option configures a Service.
type Option func(*Service)

// WithHeartbeatTimeout sets how long a record survives without a heartbeat
// or update.
func WithHeartbeatTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.heartbeatTimeout = timeout
		}
	}
}

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.buffer = size
		}
	}
}

func WithObserver(observer observability.Provider) Option {
	return func(s *Service) { s.observer = observer }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service merges presence patches and fans them out to session peers.
type Service struct {
	store            Store
	heartbeatTimeout time.Duration
	buffer           int
	observer         observability.Provider
	now              func() time.Time

	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
}

type subscriber struct {
	clientID string
	messages chan Message
}

// NewService returns a service backed by store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:            store,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		buffer:           DefaultSubscriberBuffer,
		now:              time.Now,
		subscribers:      make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HeartbeatTimeout returns the configured expiry window.
func (s *Service) HeartbeatTimeout() time.Duration {
	return s.heartbeatTimeout
}

// Subscribe registers clientID for the messages of sessionID. Messages about
// clientID itself are never delivered to it. The returned function
// unsubscribes and closes the channel.
func (s *Service) Subscribe(sessionID, clientID string) (<-chan Message, func()) {
	sub := &subscriber{clientID: clientID, messages: make(chan Message, s.buffer)}
	s.mu.Lock()
	if s.subscribers[sessionID] == nil {
		s.subscribers[sessionID] = make(map[*subscriber]struct{})
	}
	s.subscribers[sessionID][sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.messages, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers[sessionID], sub)
			if len(s.subscribers[sessionID]) == 0 {
				delete(s.subscribers, sessionID)
			}
			close(sub.messages)
			s.mu.Unlock()
		})
	}
}

// Join creates or refreshes the record of clientID and returns it together
// with the other records of the session. An empty color is replaced with the
// client's palette color.
func (s *Service) Join(ctx context.Context, sessionID, clientID, name, color string) (Presence, []Presence, error) {
	if sessionID == "" || clientID == "" {
		return Presence{}, nil, ErrInvalidSession
	}
	now := s.now().UTC()
	record, err := s.store.Update(ctx, sessionID, clientID, func(current Presence, found bool) (Presence, error) {
		if !found {
			current = Presence{Color: ColorFor(clientID), Clock: make(map[string]time.Time)}
		}
		patch := Patch{Name: &name, Timestamp: now}
		if color != "" {
			patch.Color = &color
		}
		current.Merge(patch)
		current.UpdatedAt = now
		current.LastSeen = now
		return current, nil
	})
	if err != nil {
		return Presence{}, nil, fmt.Errorf("presence: join: %w", err)
	}

	records, err := s.store.List(ctx, sessionID)
	if err != nil {
		return Presence{}, nil, fmt.Errorf("presence: join: %w", err)
	}
	cutoff := s.cutoff()
	peers := make([]Presence, 0, len(records))
	for _, peer := range records {
		if peer.ClientID != clientID && !peer.LastSeen.Before(cutoff) {
			peers = append(peers, peer)
		}
	}

	s.broadcast(ctx, Message{Type: MessageJoin, Presence: record})
	return record, peers, nil
}

// SetPresence merges patch into the record of clientID and broadcasts the
// result to the other clients of the session. Stale fields in patch are
// ignored; when nothing changes nothing is broadcast. Unknown clients get
// ErrNotFound and must Join first.
func (s *Service) SetPresence(ctx context.Context, sessionID, clientID string, patch Patch) (Presence, error) {
	now := s.now().UTC()
	if patch.Timestamp.IsZero() {
		patch.Timestamp = now
	}
	changed := false
	record, err := s.store.Update(ctx, sessionID, clientID, func(current Presence, found bool) (Presence, error) {
		if !found {
			return Presence{}, fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, clientID)
		}
		changed = current.Merge(patch)
		current.LastSeen = now
		return current, nil
	})
	if err != nil {
		return Presence{}, fmt.Errorf("presence: set: %w", err)
	}
	if changed {
		s.broadcast(ctx, Message{Type: MessageUpdate, Presence: record})
	}
	return record, nil
}

// Heartbeat extends the life of the record of clientID.
func (s *Service) Heartbeat(ctx context.Context, sessionID, clientID string) error {
	now := s.now().UTC()
	_, err := s.store.Update(ctx, sessionID, clientID, func(current Presence, found bool) (Presence, error) {
		if !found {
			return Presence{}, fmt.Errorf("%w: %s/%s", ErrNotFound, sessionID, clientID)
		}
		current.LastSeen = now
		return current, nil
	})
	if err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	return nil
}

// Leave removes the record of clientID immediately and tells its peers.
// Leaving twice is not an error.
func (s *Service) Leave(ctx context.Context, sessionID, clientID string) error {
	record, err := s.store.Delete(ctx, sessionID, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("presence: leave: %w", err)
	}
	s.broadcast(ctx, Message{Type: MessageLeave, Presence: record})
	return nil
}

// List returns the live records of a session. Records past the heartbeat
// timeout are hidden before the next sweep removes them.
func (s *Service) List(ctx context.Context, sessionID string) ([]Presence, error) {
	records, err := s.store.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cutoff := s.cutoff()
	return slices.DeleteFunc(records, func(record Presence) bool {
		return record.LastSeen.Before(cutoff)
	}), nil
}

// cutoff is the oldest heartbeat a live client may have.
func (s *Service) cutoff() time.Time {
	return s.now().UTC().Add(-s.heartbeatTimeout)
}

// Sweep removes records whose last heartbeat is older than the timeout and
// broadcasts a leave for each. It returns the number removed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	expired, err := s.store.Sweep(ctx, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("presence: sweep: %w", err)
	}
	for _, record := range expired {
		if s.observer != nil {
			s.observer.Debug(ctx, "presence expired",
				observability.String(observability.AttrSessionID, record.SessionID),
				observability.String(observability.AttrClientID, record.ClientID),
			)
		}
		s.broadcast(ctx, Message{Type: MessageLeave, Presence: record})
	}
	return len(expired), nil
}

// Run sweeps expired records until ctx is done. The sweep interval is half
// the heartbeat timeout.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(max(s.heartbeatTimeout/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && s.observer != nil {
				s.observer.Warn(ctx, "presence sweep failed", observability.Error(err))
			}
		}
	}
}

// broadcast delivers message to every subscriber of its session except the
// client it is about. A subscriber whose queue is full misses the message.
func (s *Service) broadcast(ctx context.Context, message Message) {
	if s.observer != nil {
		s.observer.Counter(observability.MetricPresenceUpdates).Add(ctx, 1,
			observability.String("presence.kind", string(message.Type)),
		)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subscribers[message.Presence.SessionID] {
		if sub.clientID == message.Presence.ClientID {
			continue
		}
		select {
		case sub.messages <- message.clonePresence():
		default:
			if s.observer != nil {
				s.observer.Warn(ctx, "presence subscriber lagging, message dropped",
					observability.String(observability.AttrSessionID, message.Presence.SessionID),
					observability.String(observability.AttrClientID, sub.clientID),
				)
			}
		}
	}
}

func (m Message) clonePresence() Message {
	m.Presence = m.Presence.Clone()
	return m
}

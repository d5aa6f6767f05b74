package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrChannelClosed   = errors.New("stream: channel closed")
	ErrChannelNotFound = errors.New("stream: channel not found")
	ErrChannelExists   = errors.New("stream: channel already exists")
)

// Channel is the event log of one execution. It is safe for concurrent use.
type Channel struct {
	executionID string
	hub         *Hub

	// publishMu orders Publish calls end to end, including the hand-off to
	// the sink queue.
	publishMu sync.Mutex

	mu       sync.Mutex
	events   []Event
	closed   bool
	closedAt time.Time
	changed  chan struct{}
}

func newChannel(executionID string, hub *Hub) *Channel {
	return &Channel{
		executionID: executionID,
		hub:         hub,
		changed:     make(chan struct{}),
	}
}

// ExecutionID returns the id of the execution this channel belongs to.
func (c *Channel) ExecutionID() string {
	return c.executionID
}

// Publish appends event, assigning the next sequence number, the execution
// id and a timestamp when missing. A final event closes the channel.
func (c *Channel) Publish(ctx context.Context, event Event) (Event, error) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("%w: %s", ErrChannelClosed, c.executionID)
	}
	event.Seq = uint64(len(c.events)) + 1
	event.ExecutionID = c.executionID
	if event.TS.IsZero() {
		event.TS = c.hub.now().UTC()
	}
	c.events = append(c.events, event)
	if event.Terminal() {
		c.closeLocked()
	}
	c.notifyLocked()
	c.mu.Unlock()

	c.hub.deliver(ctx, event)
	return event, nil
}

// Close ends the log without a final event. It is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closeLocked()
	c.notifyLocked()
}

func (c *Channel) closeLocked() {
	c.closed = true
	c.closedAt = c.hub.now()
}

func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Closed reports whether the log has ended.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastSeq returns the sequence number of the newest event, 0 when empty.
func (c *Channel) LastSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.events))
}

// Events returns a copy of every event with Seq > afterSeq.
func (c *Channel) Events(afterSeq uint64) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventsLocked(afterSeq)
}

func (c *Channel) eventsLocked(afterSeq uint64) []Event {
	if afterSeq >= uint64(len(c.events)) {
		return nil
	}
	return append([]Event(nil), c.events[afterSeq:]...)
}

// Follow calls fn for every event with Seq > afterSeq, first replaying the
// log and then waiting for new events, until the channel closes, ctx is done
// or fn returns an error. It returns nil once a closed log is drained.
func (c *Channel) Follow(ctx context.Context, afterSeq uint64, fn func(Event) error) error {
	cursor := afterSeq
	for {
		c.mu.Lock()
		batch := c.eventsLocked(cursor)
		closed := c.closed
		changed := c.changed
		c.mu.Unlock()

		for _, event := range batch {
			if err := fn(event); err != nil {
				return err
			}
			cursor = event.Seq
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe delivers the events Follow would visit on a channel, which is
// closed when the log is drained or ctx is done.
func (c *Channel) Subscribe(ctx context.Context, afterSeq uint64) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		_ = c.Follow(ctx, afterSeq, func(event Event) error {
			select {
			case out <- event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return out
}

func (c *Channel) expired(now time.Time, retention time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && now.Sub(c.closedAt) >= retention
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leofalp/agentcanvas/providers/observability"
)

const (
	// DefaultRetention keeps closed channels available for late replay.
	DefaultRetention = 10 * time.Minute

	// DefaultSinkQueue bounds the events waiting for sink delivery.
	DefaultSinkQueue = 1024
)

// Sink receives every event published on any channel of a hub, in
// per-channel sequence order. Deliver runs on the hub's dispatch goroutine,
// outside every channel lock. While a sink lags and the queue is full, new
// events are dropped for all sinks. Errors are logged and otherwise ignored.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

// Hub indexes channels by execution id.
type Hub struct {
	retention time.Duration
	observer  observability.Provider
	now       func() time.Time

	mu       sync.RWMutex
	channels map[string]*Channel
	sinks    []Sink

	sinkQueue    int
	queue        chan delivery
	dispatchOnce sync.Once
}

// delivery is a queued sink event, or a flush marker when done is set.
type delivery struct {
	ctx   context.Context
	event Event
	done  chan struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRetention sets how long closed channels stay replayable.
func WithRetention(retention time.Duration) HubOption {
	return func(hub *Hub) {
		if retention > 0 {
			hub.retention = retention
		}
	}
}

// WithSink registers a sink at construction time.
func WithSink(sink Sink) HubOption {
	return func(hub *Hub) {
		hub.sinks = append(hub.sinks, sink)
	}
}

// WithSinkQueue sets how many events may wait for sink delivery before new
// ones are dropped.
func WithSinkQueue(size int) HubOption {
	return func(hub *Hub) {
		if size > 0 {
			hub.sinkQueue = size
		}
	}
}

// WithObserver enables logging of sink failures and event counting.
func WithObserver(observer observability.Provider) HubOption {
	return func(hub *Hub) {
		hub.observer = observer
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) HubOption {
	return func(hub *Hub) {
		hub.now = now
	}
}

// NewHub returns an empty hub.
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		retention: DefaultRetention,
		now:       time.Now,
		channels:  make(map[string]*Channel),
		sinkQueue: DefaultSinkQueue,
	}
	for _, opt := range opts {
		opt(hub)
	}
	hub.queue = make(chan delivery, hub.sinkQueue)
	return hub
}

// AddSink registers sink for every subsequent event.
func (h *Hub) AddSink(sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, sink)
}

// Open creates the channel for executionID.
func (h *Hub) Open(executionID string) (*Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.channels[executionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, executionID)
	}
	channel := newChannel(executionID, h)
	h.channels[executionID] = channel
	return channel, nil
}

// Channel returns the channel for executionID.
func (h *Hub) Channel(executionID string) (*Channel, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	channel, found := h.channels[executionID]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, executionID)
	}
	return channel, nil
}

// Subscribe follows the channel of executionID from afterSeq.
func (h *Hub) Subscribe(ctx context.Context, executionID string, afterSeq uint64) (<-chan Event, error) {
	channel, err := h.Channel(executionID)
	if err != nil {
		return nil, err
	}
	return channel.Subscribe(ctx, afterSeq), nil
}

// Len returns the number of channels held.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Evict drops closed channels older than the retention window and returns
// how many were removed.
func (h *Hub) Evict() int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for id, channel := range h.channels {
		if channel.expired(now, h.retention) {
			delete(h.channels, id)
			evicted++
		}
	}
	return evicted
}

// Run evicts expired channels periodically until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	interval := max(h.retention/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := h.Evict(); evicted > 0 && h.observer != nil {
				h.observer.Debug(ctx, "evicted closed event streams", observability.Int("stream.evicted", evicted))
			}
		}
	}
}

// Flush waits until every event queued before the call has been handed to
// the sinks.
func (h *Hub) Flush(ctx context.Context) error {
	h.dispatchOnce.Do(h.startDispatch)
	done := make(chan struct{})
	select {
	case h.queue <- delivery{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver queues event for the sinks without blocking the publisher.
func (h *Hub) deliver(ctx context.Context, event Event) {
	h.mu.RLock()
	hasSinks := len(h.sinks) > 0
	h.mu.RUnlock()

	if h.observer != nil {
		h.observer.Counter(observability.MetricStreamEvents).Add(ctx, 1,
			observability.String(observability.AttrStreamEventType, string(event.Type)))
	}
	if !hasSinks {
		return
	}

	h.dispatchOnce.Do(h.startDispatch)
	select {
	case h.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		if h.observer != nil {
			h.observer.Warn(ctx, "event sink queue full, dropping event",
				observability.String(observability.AttrExecutionID, event.ExecutionID),
				observability.Int64(observability.AttrStreamSeq, int64(event.Seq)),
			)
		}
	}
}

// startDispatch starts the goroutine feeding the sinks. It lives as long as
// the process.
func (h *Hub) startDispatch() {
	go func() {
		for item := range h.queue {
			if item.done != nil {
				close(item.done)
				continue
			}
			h.dispatch(item.ctx, item.event)
		}
	}()
}

func (h *Hub) dispatch(ctx context.Context, event Event) {
	h.mu.RLock()
	sinks := h.sinks
	h.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.Deliver(ctx, event); err != nil && h.observer != nil {
			h.observer.Warn(ctx, "event sink failed",
				observability.String(observability.AttrExecutionID, event.ExecutionID),
				observability.Int64(observability.AttrStreamSeq, int64(event.Seq)),
				observability.Error(err),
			)
		}
	}
}

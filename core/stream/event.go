package stream

import "time"

// EventType classifies an event.
type EventType string

const (
	// EventStatus reports a node or execution status change, including
	// keepalives such as DetailStalled.
	EventStatus EventType = "status"

	// EventToken carries a streamed model delta.
	EventToken EventType = "token"

	// EventFinal is the last event of an execution.
	EventFinal EventType = "final"
)

// Details attached to status events that do not change a status.
const (
	DetailStalled  = "stalled"
	DetailRetrying = "retrying"
)

// Event is one entry of an execution's event log.
type Event struct {
	// Seq is assigned by the channel; callers leave it zero.
	Seq         uint64    `json:"seq"`
	ExecutionID string    `json:"execution_id"`
	Type        EventType `json:"type"`
	NodeID      string    `json:"node_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Delta       string    `json:"delta,omitempty"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	TS          time.Time `json:"ts"`
}

// Terminal reports whether e closes the log.
func (e Event) Terminal() bool {
	return e.Type == EventFinal
}

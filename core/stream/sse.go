package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"

	"github.com/leofalp/agentcanvas/internal/utils"
)

// WriteSSE writes event as one Server-Sent Event with its sequence number as
// the id, so browsers resume with Last-Event-ID.
func WriteSSE(w io.Writer, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stream: encode event %d: %w", event.Seq, err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, payload); err != nil {
		return fmt.Errorf("stream: write event %d: %w", event.Seq, err)
	}
	return nil
}

// SSEReader decodes events written by WriteSSE.
type SSEReader struct {
	scanner *utils.SSEScanner
}

// NewSSEReader reads events from r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{scanner: utils.NewSSEScanner(r)}
}

// Next returns the next event or io.EOF at the end of the stream. When the
// payload carries no seq, the SSE id is used.
func (r *SSEReader) Next() (Event, error) {
	raw, err := r.scanner.NextEvent()
	if err != nil {
		return Event{}, err
	}

	var event Event
	if err := json.Unmarshal([]byte(raw.Data), &event); err != nil {
		return Event{}, fmt.Errorf("stream: decode event: %w", err)
	}
	if event.Seq == 0 && raw.ID != "" {
		seq, err := strconv.ParseUint(raw.ID, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("stream: invalid event id %q: %w", raw.ID, err)
		}
		event.Seq = seq
	}
	return event, nil
}

// ReadSSE iterates the events of r until io.EOF. A decode or read error is
// yielded once and ends the iteration.
func ReadSSE(r io.Reader) iter.Seq2[Event, error] {
	reader := NewSSEReader(r)
	return func(yield func(Event, error) bool) {
		for {
			event, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

var (
	ErrNotFound       = errors.New("presence: record not found")
	ErrInvalidSession = errors.New("presence: session id and client id are required")
)

// Field names used for per-field clocks.
const (
	FieldCursor       = "cursor"
	FieldActiveNodeID = "active_node_id"
	FieldColor        = "color"
	FieldName         = "name"
)

// Cursor is a pointer position in canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is one client's state within a session.
type Presence struct {
	SessionID    string  `json:"session_id"`
	ClientID     string  `json:"client_id"`
	Cursor       *Cursor `json:"cursor,omitempty"`
	ActiveNodeID string  `json:"active_node_id,omitempty"`
	Color        string  `json:"color"`
	Name         string  `json:"name,omitempty"`

	// Clock holds the timestamp of the write that set each field.
	Clock map[string]time.Time `json:"clock,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Clone returns a copy that shares no mutable state with p.
func (p Presence) Clone() Presence {
	if p.Cursor != nil {
		cursor := *p.Cursor
		p.Cursor = &cursor
	}
	if p.Clock != nil {
		clock := make(map[string]time.Time, len(p.Clock))
		for field, at := range p.Clock {
			clock[field] = at
		}
		p.Clock = clock
	}
	return p
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Cursor *Cursor `json:"cursor,omitempty"`

	// ClearCursor removes the cursor, e.g. when the pointer leaves the
	// canvas. It is ignored when Cursor is set.
	ClearCursor bool `json:"clear_cursor,omitempty"`

	// ActiveNodeID selects a node; an empty string clears the selection.
	ActiveNodeID *string `json:"active_node_id,omitempty"`

	Color *string `json:"color,omitempty"`
	Name  *string `json:"name,omitempty"`

	// Timestamp orders concurrent writes. A zero timestamp is replaced with
	// the server clock.
	Timestamp time.Time `json:"ts,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Cursor == nil && !p.ClearCursor && p.ActiveNodeID == nil && p.Color == nil && p.Name == nil
}

// Merge applies patch to p field by field. A field is overwritten only when
// the patch is at least as recent as the write that last set it. It reports
// whether any field changed.
func (p *Presence) Merge(patch Patch) bool {
	if p.Clock == nil {
		p.Clock = make(map[string]time.Time)
	}
	at := patch.Timestamp
	changed := false
	apply := func(field string, set func()) {
		if last, found := p.Clock[field]; found && at.Before(last) {
			return
		}
		set()
		p.Clock[field] = at
		changed = true
	}

	switch {
	case patch.Cursor != nil:
		cursor := *patch.Cursor
		apply(FieldCursor, func() { p.Cursor = &cursor })
	case patch.ClearCursor:
		apply(FieldCursor, func() { p.Cursor = nil })
	}
	if patch.ActiveNodeID != nil {
		apply(FieldActiveNodeID, func() { p.ActiveNodeID = *patch.ActiveNodeID })
	}
	if patch.Color != nil && *patch.Color != "" {
		apply(FieldColor, func() { p.Color = *patch.Color })
	}
	if patch.Name != nil {
		apply(FieldName, func() { p.Name = *patch.Name })
	}
	if changed && at.After(p.UpdatedAt) {
		p.UpdatedAt = at
	}
	return changed
}

// Palette is the set of colors handed out to clients that do not pick one.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0",
	"#f032e6", "#bcf60c", "#008080", "#9a6324", "#800000", "#000075",
}

// ColorFor returns the palette color of clientID. The same id always maps to
// the same color.
func ColorFor(clientID string) string {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(clientID))
	return Palette[hash.Sum32()%uint32(len(Palette))]
}

// Store keeps presence records. Implementations must be safe for concurrent
// use and must apply Update atomically per record.
type Store interface {
	// Update loads the record of (sessionID, clientID), passes it to mutate
	// and stores the result. found is false for a new record. An error from
	// mutate aborts the update and is returned unchanged.
	Update(ctx context.Context, sessionID, clientID string, mutate func(current Presence, found bool) (Presence, error)) (Presence, error)

	// Delete removes a record. It returns ErrNotFound when there is none.
	Delete(ctx context.Context, sessionID, clientID string) (Presence, error)

	// List returns the records of a session ordered by client id.
	List(ctx context.Context, sessionID string) ([]Presence, error)

	// Sweep removes and returns every record last seen before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) ([]Presence, error)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

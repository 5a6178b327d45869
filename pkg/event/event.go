// Package event defines the event types shared by the server-side producer
// and the client-side applier (spec §3 Event, §4.G, §4.H).
package event

import "github.com/dsi-insa-strasbourg/hermes-go/pkg/transport"

// Type is one of the five event kinds an object can be delivered as.
type Type string

const (
	Added    Type = "added"
	Modified Type = "modified"
	Removed  Type = "removed"
	Trashed  Type = "trashed"
	Recycled Type = "recycled"
)

// ModifiedAttrs is the payload shape for a Modified event (spec §3).
type ModifiedAttrs struct {
	Added    map[string]any `json:"added"`
	Modified map[string]any `json:"modified"`
	Removed  []string       `json:"removed"`
}

// Event is the server-originated change event, before any client-side
// local attribute-mapping rewriting is applied.
type Event struct {
	Num     int64
	Type    Type
	ObjType string
	ObjPKey any
	// ObjAttrs is a map[string]any full record for Added/Removed/Trashed/
	// Recycled, or a ModifiedAttrs for Modified.
	ObjAttrs any
}

// ToFrame renders e onto the wire shape the transport understands.
func (e Event) ToFrame() transport.Frame {
	return transport.Frame{
		Ev:      e.Num,
		Type:    string(e.Type),
		ObjType: e.ObjType,
		PKey:    e.ObjPKey,
		Attrs:   e.ObjAttrs,
	}
}

// FromFrame reconstructs an Event from a received wire frame. Modified
// attrs arrive as a map[string]any (decoded JSON/equivalent) and are
// normalized back into ModifiedAttrs.
func FromFrame(f transport.Frame) Event {
	e := Event{Num: f.Ev, Type: Type(f.Type), ObjType: f.ObjType, ObjPKey: f.PKey}
	if Type(f.Type) != Modified {
		e.ObjAttrs = f.Attrs
		return e
	}
	switch m := f.Attrs.(type) {
	case ModifiedAttrs:
		e.ObjAttrs = m
	case map[string]any:
		ma := ModifiedAttrs{}
		if added, ok := m["added"].(map[string]any); ok {
			ma.Added = added
		}
		if modified, ok := m["modified"].(map[string]any); ok {
			ma.Modified = modified
		}
		if removed, ok := m["removed"].([]any); ok {
			for _, r := range removed {
				if s, ok := r.(string); ok {
					ma.Removed = append(ma.Removed, s)
				}
			}
		}
		e.ObjAttrs = ma
	default:
		e.ObjAttrs = f.Attrs
	}
	return e
}

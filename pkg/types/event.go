package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventType selects how an event's content is interpreted.
type EventType string

const (
	EventCreate      EventType = "room.create"
	EventMember      EventType = "room.member"
	EventPowerLevels EventType = "room.power_levels"
	EventJoinRules   EventType = "room.join_rules"
	EventRole        EventType = "room.role"
	EventMessage     EventType = "room.message"
	EventRedaction   EventType = "room.redaction"
)

// Signatures maps origin server -> key id -> unpadded base64 signature.
type Signatures map[ServerName]map[KeyID]string

// Event is a persistent data unit (PDU). Once its id has been computed an
// Event must be treated as immutable.
type Event struct {
	EventID      EventID         `json:"event_id"`
	RoomID       RoomID          `json:"room_id"`
	OriginServer ServerName      `json:"origin_server"`
	Type         EventType       `json:"type"`
	StateKey     *string         `json:"state_key,omitempty"`
	Sender       UserID          `json:"sender"`
	OriginTS     int64           `json:"origin_ts"`
	Content      json.RawMessage `json:"content"`
	PrevEvents   []EventID       `json:"prev_events"`
	AuthEvents   []EventID       `json:"auth_events"`
	Signatures   Signatures      `json:"signatures,omitempty"`
}

type eventJSON Event

// MarshalJSON always emits prev_events/auth_events as arrays and content as
// an object so the byte form, and therefore the event id, does not depend on
// whether a slice happened to be nil.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON(e)
	if out.PrevEvents == nil {
		out.PrevEvents = []EventID{}
	}
	if out.AuthEvents == nil {
		out.AuthEvents = []EventID{}
	}
	if len(out.Content) == 0 {
		out.Content = json.RawMessage("{}")
	}
	return json.Marshal(out)
}

// StateTuple addresses one slot of room state.
type StateTuple struct {
	Type     EventType `json:"type"`
	StateKey string    `json:"state_key"`
}

func (t StateTuple) String() string {
	return fmt.Sprintf("(%s,%s)", t.Type, t.StateKey)
}

// Less orders tuples by type then state key.
func (t StateTuple) Less(o StateTuple) bool {
	if t.Type != o.Type {
		return t.Type < o.Type
	}
	return t.StateKey < o.StateKey
}

// SortTuples sorts tuples in place and returns them.
func SortTuples(tuples []StateTuple) []StateTuple {
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Less(tuples[j]) })
	return tuples
}

// IsState reports whether the event carries a state key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// Tuple returns the state slot the event occupies. It is only meaningful for
// state events.
func (e *Event) Tuple() StateTuple {
	if e.StateKey == nil {
		return StateTuple{Type: e.Type}
	}
	return StateTuple{Type: e.Type, StateKey: *e.StateKey}
}

// Clone returns a deep copy so callers can mutate drafts without touching a
// stored event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	if e.StateKey != nil {
		sk := *e.StateKey
		c.StateKey = &sk
	}
	c.Content = append(json.RawMessage(nil), e.Content...)
	c.PrevEvents = append([]EventID(nil), e.PrevEvents...)
	c.AuthEvents = append([]EventID(nil), e.AuthEvents...)
	if e.Signatures != nil {
		c.Signatures = make(Signatures, len(e.Signatures))
		for srv, keys := range e.Signatures {
			m := make(map[KeyID]string, len(keys))
			for k, v := range keys {
				m[k] = v
			}
			c.Signatures[srv] = m
		}
	}
	return &c
}

// Ancestors returns the union of prev and auth event ids, deduplicated and
// sorted.
func (e *Event) Ancestors() []EventID {
	seen := make(map[EventID]struct{}, len(e.PrevEvents)+len(e.AuthEvents))
	var out []EventID
	for _, ids := range [][]EventID{e.PrevEvents, e.AuthEvents} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return SortEventIDs(out)
}

// ValidateShape checks the envelope fields that every PDU must carry before
// any cryptographic or authorization work is attempted.
func (e *Event) ValidateShape() error {
	if e == nil {
		return fmt.Errorf("event is nil")
	}
	if err := e.RoomID.Validate(); err != nil {
		return fmt.Errorf("room_id: %w", err)
	}
	if err := e.Sender.Validate(); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if err := ValidateServerName(e.OriginServer); err != nil {
		return fmt.Errorf("origin_server: %w", err)
	}
	if e.Sender.Server() != e.OriginServer {
		return fmt.Errorf("sender %s does not belong to origin %s", e.Sender, e.OriginServer)
	}
	if e.Type == "" {
		return fmt.Errorf("type cannot be empty")
	}
	if e.Type == EventCreate {
		if len(e.PrevEvents) != 0 || len(e.AuthEvents) != 0 {
			return fmt.Errorf("create event cannot reference other events")
		}
	} else if len(e.PrevEvents) == 0 {
		return fmt.Errorf("prev_events cannot be empty for %s", e.Type)
	}
	for _, id := range e.Ancestors() {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	if len(e.Content) > 0 && !json.Valid(e.Content) {
		return fmt.Errorf("content is not valid JSON")
	}
	return nil
}

// SortEventIDs sorts ids lexicographically in place and returns them.
func SortEventIDs(ids []EventID) []EventID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StringPtr is a helper for building state keys.
func StringPtr(s string) *string {
	return &s
}

package types

import (
	"encoding/json"
	"fmt"
)

// Membership is a user's state in a room.
type Membership string

const (
	MembershipNone    Membership = "none"
	MembershipInvited Membership = "invited"
	MembershipJoined  Membership = "joined"
	MembershipLeft    Membership = "left"
	MembershipBanned  Membership = "banned"
)

// Valid reports whether m is one of the known membership states.
func (m Membership) Valid() bool {
	switch m {
	case MembershipNone, MembershipInvited, MembershipJoined, MembershipLeft, MembershipBanned:
		return true
	}
	return false
}

// JoinRule controls whether users may join without an invite.
type JoinRule string

const (
	JoinPublic JoinRule = "public"
	JoinInvite JoinRule = "invite"
)

// Content is the closed set of typed event payloads. Unknown event types
// decode to OpaqueContent.
type Content interface {
	EventType() EventType
}

type CreateContent struct {
	Creator UserID `json:"creator"`
}

type MemberContent struct {
	Membership  Membership `json:"membership"`
	DisplayName string     `json:"displayname,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// PowerLevelsContent is the wire form of room.power_levels. Absent
// thresholds fall back to the default table.
type PowerLevelsContent struct {
	Users         map[UserID]int    `json:"users,omitempty"`
	UsersDefault  *int              `json:"users_default,omitempty"`
	Events        map[EventType]int `json:"events,omitempty"`
	EventsDefault *int              `json:"events_default,omitempty"`
	StateDefault  *int              `json:"state_default,omitempty"`
	Invite        *int              `json:"invite,omitempty"`
	Ban           *int              `json:"ban,omitempty"`
	Redact        *int              `json:"redact,omitempty"`
	UserRoles     map[UserID]string `json:"user_roles,omitempty"`
}

type JoinRulesContent struct {
	JoinRule JoinRule `json:"join_rule"`
}

// RoleContent defines a named role; the role name is the state key.
type RoleContent struct {
	Level int `json:"level"`
}

type MessageContent struct {
	MsgType string `json:"msgtype,omitempty"`
	Body    string `json:"body"`
}

type RedactionContent struct {
	Redacts EventID `json:"redacts"`
	Reason  string  `json:"reason,omitempty"`
}

// OpaqueContent carries payloads of event types this server does not
// interpret.
type OpaqueContent struct {
	Type EventType
	Raw  json.RawMessage
}

func (CreateContent) EventType() EventType      { return EventCreate }
func (MemberContent) EventType() EventType      { return EventMember }
func (PowerLevelsContent) EventType() EventType { return EventPowerLevels }
func (JoinRulesContent) EventType() EventType   { return EventJoinRules }
func (RoleContent) EventType() EventType        { return EventRole }
func (MessageContent) EventType() EventType     { return EventMessage }
func (RedactionContent) EventType() EventType   { return EventRedaction }
func (c OpaqueContent) EventType() EventType    { return c.Type }

// ParseContent decodes raw into the typed variant for typ.
func ParseContent(typ EventType, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var (
		c   Content
		err error
	)
	switch typ {
	case EventCreate:
		var v CreateContent
		err = json.Unmarshal(raw, &v)
		if err == nil && v.Creator == "" {
			err = fmt.Errorf("creator is required")
		}
		c = v
	case EventMember:
		var v MemberContent
		err = json.Unmarshal(raw, &v)
		if err == nil && !v.Membership.Valid() {
			err = fmt.Errorf("unknown membership %q", v.Membership)
		}
		c = v
	case EventPowerLevels:
		var v PowerLevelsContent
		err = json.Unmarshal(raw, &v)
		c = v
	case EventJoinRules:
		var v JoinRulesContent
		err = json.Unmarshal(raw, &v)
		if err == nil && v.JoinRule != JoinPublic && v.JoinRule != JoinInvite {
			err = fmt.Errorf("unknown join rule %q", v.JoinRule)
		}
		c = v
	case EventRole:
		var v RoleContent
		err = json.Unmarshal(raw, &v)
		c = v
	case EventMessage:
		var v MessageContent
		err = json.Unmarshal(raw, &v)
		c = v
	case EventRedaction:
		var v RedactionContent
		err = json.Unmarshal(raw, &v)
		if err == nil {
			err = v.Redacts.Validate()
		}
		c = v
	default:
		c = OpaqueContent{Type: typ, Raw: append(json.RawMessage(nil), raw...)}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s content: %w", typ, err)
	}
	return c, nil
}

// MustContent marshals v for use as event content. It panics on failure and
// is intended for literals in callers and tests.
func MustContent(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

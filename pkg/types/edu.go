package types

import "encoding/json"

// EDU types relayed between servers. EDUs are ephemeral: they are delivered
// to subscribers and never stored.
const (
	EDUTyping   = "typing"
	EDUPresence = "presence"
	EDUReceipt  = "receipt"
)

// EDU is an ephemeral data unit.
type EDU struct {
	Type    string          `json:"edu_type"`
	Origin  ServerName      `json:"origin,omitempty"`
	RoomID  RoomID          `json:"room_id,omitempty"`
	Content json.RawMessage `json:"content"`
}

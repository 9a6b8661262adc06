package codec

import (
	"encoding/json"

	"concord/pkg/types"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// essentialKeys lists the content keys that survive redaction, per type.
// Keys that feed authorization are kept so a redacted state event still
// explains the room's state.
var essentialKeys = map[types.EventType][]string{
	types.EventCreate:      {"creator"},
	types.EventMember:      {"membership"},
	types.EventJoinRules:   {"join_rule"},
	types.EventRole:        {"level"},
	types.EventPowerLevels: {"users", "users_default", "events", "events_default", "state_default", "invite", "ban", "redact", "user_roles"},
}

// Redact returns a copy of ev whose content has been reduced to the keys
// needed for authorization. The stored event is never modified.
func Redact(ev *types.Event) *types.Event {
	out := ev.Clone()

	content := []byte("{}")
	for _, key := range essentialKeys[ev.Type] {
		v := gjson.GetBytes(ev.Content, key)
		if !v.Exists() {
			continue
		}
		updated, err := sjson.SetRawBytes(content, key, []byte(v.Raw))
		if err != nil {
			continue
		}
		content = updated
	}
	out.Content = json.RawMessage(content)
	return out
}

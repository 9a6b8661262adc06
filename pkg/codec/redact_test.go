package codec

import (
	"encoding/json"
	"testing"

	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name    string
		typ     types.EventType
		content string
		want    string
	}{
		{"message loses everything", types.EventMessage, `{"body":"secret","msgtype":"text"}`, `{}`},
		{"member keeps membership", types.EventMember, `{"membership":"joined","displayname":"Al"}`, `{"membership":"joined"}`},
		{"power levels keep thresholds", types.EventPowerLevels, `{"users":{"@a:x":100},"ban":50,"extra":true}`, `{"users":{"@a:x":100},"ban":50}`},
		{"unknown type", "room.topic", `{"topic":"x"}`, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newTestEvent()
			ev.Type = tt.typ
			ev.Content = json.RawMessage(tt.content)

			out := Redact(ev)
			assert.JSONEq(t, tt.want, string(out.Content))
			assert.JSONEq(t, tt.content, string(ev.Content), "original must be untouched")
			assert.Equal(t, ev.Sender, out.Sender)
		})
	}
}

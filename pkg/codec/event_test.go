package codec

import (
	"encoding/json"
	"testing"

	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServer = types.ServerName("a.example")

func newTestEvent() *types.Event {
	return &types.Event{
		RoomID:       "!room:a.example",
		OriginServer: testServer,
		Type:         types.EventMessage,
		Sender:       "@alice:a.example",
		OriginTS:     1700000000000,
		Content:      json.RawMessage(`{"body":"hello","msgtype":"text"}`),
		PrevEvents:   []types.EventID{"$parent"},
		AuthEvents:   []types.EventID{"$create", "$member"},
	}
}

func signedTestEvent(t *testing.T) (*types.Event, *KeyRing) {
	t.Helper()
	key, err := GenerateSigningKey("k1")
	require.NoError(t, err)

	ring := NewKeyRing()
	require.NoError(t, ring.AddSigningKey(testServer, key))

	ev := newTestEvent()
	require.NoError(t, SignEvent(ev, testServer, key))
	return ev, ring
}

func TestComputeEventIDIgnoresIDAndSignatures(t *testing.T) {
	ev := newTestEvent()
	id, err := ComputeEventID(ev)
	require.NoError(t, err)
	assert.Equal(t, byte(types.SigilEvent), id[0])

	ev.EventID = "$bogus"
	ev.Signatures = types.Signatures{"b.example": {"ed25519:x": "c2ln"}}
	again, err := ComputeEventID(ev)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestComputeEventIDRoundTrip(t *testing.T) {
	ev, _ := signedTestEvent(t)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded types.Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	id, err := ComputeEventID(&decoded)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, id)
}

func TestComputeEventIDKeyOrderIndependent(t *testing.T) {
	a := newTestEvent()
	b := newTestEvent()
	b.Content = json.RawMessage(`{ "msgtype": "text", "body": "hello" }`)

	idA, err := ComputeEventID(a)
	require.NoError(t, err)
	idB, err := ComputeEventID(b)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

func TestComputeEventIDMutationSensitive(t *testing.T) {
	base, err := ComputeEventID(newTestEvent())
	require.NoError(t, err)

	mutations := map[string]func(*types.Event){
		"content":     func(e *types.Event) { e.Content = json.RawMessage(`{"body":"hellp","msgtype":"text"}`) },
		"origin_ts":   func(e *types.Event) { e.OriginTS++ },
		"sender":      func(e *types.Event) { e.Sender = "@bob:a.example" },
		"type":        func(e *types.Event) { e.Type = "room.other" },
		"state_key":   func(e *types.Event) { e.StateKey = types.StringPtr("") },
		"prev_events": func(e *types.Event) { e.PrevEvents = []types.EventID{"$other"} },
		"auth_events": func(e *types.Event) { e.AuthEvents = e.AuthEvents[:1] },
		"room_id":     func(e *types.Event) { e.RoomID = "!other:a.example" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			ev := newTestEvent()
			mutate(ev)
			id, err := ComputeEventID(ev)
			require.NoError(t, err)
			assert.NotEqual(t, base, id)
		})
	}
}

func TestComputeEventIDRejectsMalformedContent(t *testing.T) {
	ev := newTestEvent()
	ev.Content = json.RawMessage(`{"n":0.5}`)
	_, err := ComputeEventID(ev)
	assert.ErrorIs(t, err, ErrMalformedContent)
}

func TestVerifyEvent(t *testing.T) {
	ev, ring := signedTestEvent(t)

	id, err := VerifyEvent(ev, ring)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID, id)
}

func TestVerifyEventTampered(t *testing.T) {
	ev, ring := signedTestEvent(t)
	ev.Content = json.RawMessage(`{"body":"changed","msgtype":"text"}`)

	_, err := VerifyEvent(ev, ring)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyEventUnknownKey(t *testing.T) {
	ev, _ := signedTestEvent(t)

	_, err := VerifyEvent(ev, NewKeyRing())
	assert.ErrorIs(t, err, ErrUnknownSigningKey)
}

func TestVerifyEventWithoutOriginSignature(t *testing.T) {
	ev, ring := signedTestEvent(t)
	ev.Signatures = types.Signatures{"b.example": ev.Signatures[testServer]}

	_, err := VerifyEvent(ev, ring)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyEventBadEncoding(t *testing.T) {
	ev, ring := signedTestEvent(t)
	for k := range ev.Signatures[testServer] {
		ev.Signatures[testServer][k] = "!!!"
	}

	_, err := VerifyEvent(ev, ring)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

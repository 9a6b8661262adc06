package authz

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	room  = types.RoomID("!r:a.example")
	alice = types.UserID("@alice:a.example")
	bob   = types.UserID("@bob:b.example")
	carol = types.UserID("@carol:c.example")
)

var seq int

func stateEvent(typ types.EventType, stateKey string, sender types.UserID, content any) *types.Event {
	seq++
	raw, ok := content.(string)
	if !ok {
		raw = string(types.MustContent(content))
	}
	return &types.Event{
		EventID:      types.EventID(fmt.Sprintf("$e%d", seq)),
		RoomID:       room,
		OriginServer: sender.Server(),
		Type:         typ,
		StateKey:     types.StringPtr(stateKey),
		Sender:       sender,
		OriginTS:     int64(seq),
		Content:      json.RawMessage(raw),
		PrevEvents:   []types.EventID{"$prev"},
	}
}

func member(user types.UserID, sender types.UserID, m types.Membership) *types.Event {
	return stateEvent(types.EventMember, string(user), sender, types.MemberContent{Membership: m})
}

func put(state types.StateMap, evs ...*types.Event) types.StateMap {
	for _, ev := range evs {
		state[ev.Tuple()] = ev
	}
	return state
}

func intp(v int) *int { return &v }

// baseRoom is a room created by alice, who is joined; bob is joined at the
// default level.
func baseRoom() types.StateMap {
	create := stateEvent(types.EventCreate, "", alice, types.CreateContent{Creator: alice})
	create.PrevEvents = nil
	return put(make(types.StateMap),
		create,
		member(alice, alice, types.MembershipJoined),
		member(bob, bob, types.MembershipJoined),
		stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
			Users: map[types.UserID]int{alice: 100},
		}),
	)
}

func message(sender types.UserID) *types.Event {
	seq++
	return &types.Event{
		EventID:      types.EventID(fmt.Sprintf("$m%d", seq)),
		RoomID:       room,
		OriginServer: sender.Server(),
		Type:         types.EventMessage,
		Sender:       sender,
		Content:      types.MustContent(types.MessageContent{Body: "hi"}),
		PrevEvents:   []types.EventID{"$prev"},
	}
}

func assertDenied(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthDenied)
	var denied *DeniedError
	assert.True(t, errors.As(err, &denied))
	assert.NotEmpty(t, denied.Reason)
}

func TestCreate(t *testing.T) {
	valid := func() *types.Event {
		ev := stateEvent(types.EventCreate, "", alice, types.CreateContent{Creator: alice})
		ev.PrevEvents = nil
		return ev
	}

	assert.NoError(t, Authorize(valid(), nil))

	tests := []struct {
		name   string
		mutate func(*types.Event)
	}{
		{"has prev events", func(e *types.Event) { e.PrevEvents = []types.EventID{"$x"} }},
		{"has auth events", func(e *types.Event) { e.AuthEvents = []types.EventID{"$x"} }},
		{"non-empty state key", func(e *types.Event) { e.StateKey = types.StringPtr("x") }},
		{"creator mismatch", func(e *types.Event) { e.Content = types.MustContent(types.CreateContent{Creator: bob}) }},
		{"foreign room", func(e *types.Event) { e.RoomID = "!r:b.example" }},
		{"missing creator", func(e *types.Event) { e.Content = json.RawMessage(`{}`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid()
			tt.mutate(ev)
			assertDenied(t, Authorize(ev, nil))
		})
	}

	t.Run("second create", func(t *testing.T) {
		assertDenied(t, Authorize(valid(), baseRoom()))
	})
}

func TestRequiresCreate(t *testing.T) {
	assertDenied(t, Authorize(message(alice), types.StateMap{}))
}

func TestMessageRequiresJoinedSender(t *testing.T) {
	state := baseRoom()
	assert.NoError(t, Authorize(message(bob), state))
	assertDenied(t, Authorize(message(carol), state))

	put(state, member(bob, bob, types.MembershipLeft))
	assertDenied(t, Authorize(message(bob), state))
}

func TestEventLevels(t *testing.T) {
	state := baseRoom()
	jr := stateEvent(types.EventJoinRules, "", bob, types.JoinRulesContent{JoinRule: types.JoinPublic})
	assertDenied(t, Authorize(jr, state))

	jr.Sender = alice
	assert.NoError(t, Authorize(jr, state))

	put(state, stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
		Users:         map[types.UserID]int{alice: 100},
		EventsDefault: intp(10),
	}))
	assertDenied(t, Authorize(message(bob), state))
}

func TestDefaultLevelsWithoutPowerLevels(t *testing.T) {
	state := baseRoom()
	delete(state, types.StateTuple{Type: types.EventPowerLevels})

	levels := LevelsFrom(state)
	assert.Equal(t, DefaultCreatorLevel, levels.UserLevel(alice))
	assert.Equal(t, DefaultUsersLevel, levels.UserLevel(bob))
	assert.Equal(t, DefaultStateLevel, levels.EventLevel(types.EventJoinRules, true))
	assert.Equal(t, DefaultEventsLevel, levels.EventLevel(types.EventMessage, false))
	assert.Equal(t, DefaultInviteLevel, levels.Invite())
	assert.Equal(t, DefaultBanLevel, levels.Ban())
	assert.Equal(t, DefaultRedactLevel, levels.Redact())
}

func TestPowerLevelPrecedence(t *testing.T) {
	state := baseRoom()
	put(state,
		stateEvent(types.EventRole, "moderator", alice, types.RoleContent{Level: 50}),
		stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
			Users:        map[types.UserID]int{alice: 100, carol: 10},
			UsersDefault: intp(5),
			UserRoles:    map[types.UserID]string{bob: "moderator", carol: "moderator", "@dave:d.example": "ghost"},
		}),
	)

	levels := LevelsFrom(state)
	assert.Equal(t, 10, levels.UserLevel(carol), "explicit entry beats role")
	assert.Equal(t, 50, levels.UserLevel(bob), "role beats users_default")
	assert.Equal(t, 5, levels.UserLevel("@dave:d.example"), "undefined role falls back to users_default")
	assert.Equal(t, 5, levels.UserLevel("@erin:e.example"))
}

func TestPowerLevelEdits(t *testing.T) {
	state := baseRoom()
	put(state, stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
		Users: map[types.UserID]int{alice: 100, bob: 60, carol: 80},
	}))
	put(state, member(carol, carol, types.MembershipJoined))

	pl := func(sender types.UserID, content types.PowerLevelsContent) *types.Event {
		return stateEvent(types.EventPowerLevels, "", sender, content)
	}

	tests := []struct {
		name    string
		ev      *types.Event
		allowed bool
	}{
		{"admin promotes", pl(alice, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 90, carol: 80}}), true},
		{"raise above self", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 60, carol: 80, "@x:x.example": 70}}), false},
		{"demote higher user", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 60, carol: 0}}), false},
		{"demote self", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 50, carol: 80}}), true},
		{"grant equal level", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 60, carol: 80, "@x:x.example": 60}}), true},
		{"threshold above self", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 60, carol: 80}, Ban: intp(70)}), false},
		{"threshold within reach", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 60, carol: 80}, Ban: intp(55)}), true},
		{"event level above self", pl(bob, types.PowerLevelsContent{Users: map[types.UserID]int{alice: 100, bob: 60, carol: 80}, Events: map[types.EventType]int{types.EventMessage: 99}}), false},
		{"non-empty state key", stateEvent(types.EventPowerLevels, "x", alice, types.PowerLevelsContent{}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.ev, state)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assertDenied(t, err)
			}
		})
	}
}

func TestRoleEdits(t *testing.T) {
	state := baseRoom()
	put(state,
		stateEvent(types.EventRole, "admin", alice, types.RoleContent{Level: 100}),
		stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
			Users: map[types.UserID]int{alice: 100, bob: 60},
		}),
	)

	assert.NoError(t, Authorize(stateEvent(types.EventRole, "mod", bob, types.RoleContent{Level: 50}), state))
	assertDenied(t, Authorize(stateEvent(types.EventRole, "mod", bob, types.RoleContent{Level: 70}), state))
	assertDenied(t, Authorize(stateEvent(types.EventRole, "admin", bob, types.RoleContent{Level: 10}), state))
	assertDenied(t, Authorize(stateEvent(types.EventRole, "", alice, types.RoleContent{Level: 10}), state))
}

// Every (from, to) pair is either explicitly allowed for the right sender or
// denied for everyone.
func TestMembershipTotality(t *testing.T) {
	all := []types.Membership{
		types.MembershipNone,
		types.MembershipInvited,
		types.MembershipJoined,
		types.MembershipLeft,
		types.MembershipBanned,
	}
	type pair struct{ from, to types.Membership }
	allowed := map[pair]types.UserID{
		{types.MembershipNone, types.MembershipInvited}:   alice,
		{types.MembershipNone, types.MembershipJoined}:    carol,
		{types.MembershipNone, types.MembershipBanned}:    alice,
		{types.MembershipInvited, types.MembershipJoined}: carol,
		{types.MembershipInvited, types.MembershipBanned}: alice,
		{types.MembershipJoined, types.MembershipLeft}:    carol,
		{types.MembershipJoined, types.MembershipBanned}:  alice,
		{types.MembershipLeft, types.MembershipInvited}:   alice,
		{types.MembershipLeft, types.MembershipJoined}:    carol,
		{types.MembershipLeft, types.MembershipBanned}:    alice,
		{types.MembershipBanned, types.MembershipNone}:    alice,
	}

	for _, from := range all {
		for _, to := range all {
			for _, sender := range []types.UserID{alice, carol} {
				name := fmt.Sprintf("%s->%s by %s", from, to, sender)
				t.Run(name, func(t *testing.T) {
					state := baseRoom()
					put(state, stateEvent(types.EventJoinRules, "", alice, types.JoinRulesContent{JoinRule: types.JoinPublic}))
					if from != types.MembershipNone {
						put(state, member(carol, alice, from))
					}

					err := Authorize(member(carol, sender, to), state)
					if allowed[pair{from, to}] == sender {
						assert.NoError(t, err)
					} else {
						assertDenied(t, err)
					}
				})
			}
		}
	}
}

func TestJoinRequiresPublicRoomOrInvite(t *testing.T) {
	state := baseRoom()
	assertDenied(t, Authorize(member(carol, carol, types.MembershipJoined), state))

	put(state, member(carol, alice, types.MembershipInvited))
	assert.NoError(t, Authorize(member(carol, carol, types.MembershipJoined), state))

	put(state, member(carol, carol, types.MembershipLeft))
	assertDenied(t, Authorize(member(carol, carol, types.MembershipJoined), state))
}

func TestCreatorFirstJoin(t *testing.T) {
	create := stateEvent(types.EventCreate, "", alice, types.CreateContent{Creator: alice})
	create.PrevEvents = nil
	state := put(make(types.StateMap), create)

	join := member(alice, alice, types.MembershipJoined)
	join.PrevEvents = []types.EventID{create.EventID}
	assert.NoError(t, Authorize(join, state))

	join.PrevEvents = []types.EventID{"$somewhere"}
	assertDenied(t, Authorize(join, state))

	other := member(bob, bob, types.MembershipJoined)
	other.PrevEvents = []types.EventID{create.EventID}
	assertDenied(t, Authorize(other, state))
}

func TestBanRequiresHigherLevel(t *testing.T) {
	state := baseRoom()
	put(state,
		member(carol, carol, types.MembershipJoined),
		stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
			Users: map[types.UserID]int{alice: 100, bob: 50, carol: 50},
		}),
	)

	assertDenied(t, Authorize(member(carol, bob, types.MembershipBanned), state))
	assert.NoError(t, Authorize(member(carol, alice, types.MembershipBanned), state))
	assertDenied(t, Authorize(member(alice, bob, types.MembershipBanned), state))
}

func TestInviteLevel(t *testing.T) {
	state := baseRoom()
	put(state, stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
		Users:  map[types.UserID]int{alice: 100},
		Invite: intp(20),
	}))

	assertDenied(t, Authorize(member(carol, bob, types.MembershipInvited), state))
	assert.NoError(t, Authorize(member(carol, alice, types.MembershipInvited), state))
}

func TestMembershipRejectsBadTarget(t *testing.T) {
	ev := member(carol, carol, types.MembershipJoined)
	ev.StateKey = types.StringPtr("not-a-user")
	assertDenied(t, Authorize(ev, baseRoom()))
}

func TestRequiredAuthSlots(t *testing.T) {
	state := baseRoom()
	put(state, stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
		Users:     map[types.UserID]int{alice: 100},
		UserRoles: map[types.UserID]string{bob: "mod"},
	}))

	slots := RequiredAuthSlots(member(carol, bob, types.MembershipInvited), state)
	assert.Equal(t, []types.StateTuple{
		{Type: types.EventCreate},
		{Type: types.EventJoinRules},
		{Type: types.EventMember, StateKey: string(bob)},
		{Type: types.EventMember, StateKey: string(carol)},
		{Type: types.EventPowerLevels},
		{Type: types.EventRole, StateKey: "mod"},
	}, slots)

	assert.Nil(t, RequiredAuthSlots(&types.Event{Type: types.EventCreate}, state))
}

func TestCheckRequiresCitedAuthEvents(t *testing.T) {
	state := baseRoom()
	msg := message(bob)
	msg.AuthEvents = AuthEventIDs(msg, state)
	assert.Len(t, msg.AuthEvents, 3)
	assert.NoError(t, Check(msg, state))

	msg.AuthEvents = msg.AuthEvents[1:]
	assertDenied(t, Check(msg, state))
}

func TestCheckAt(t *testing.T) {
	base := baseRoom()
	create := base.Get(types.EventCreate, "")
	pl := base.Get(types.EventPowerLevels, "")
	bobJoin := base.Get(types.EventMember, string(bob))

	restricted := stateEvent(types.EventPowerLevels, "", alice, types.PowerLevelsContent{
		Users:  map[types.UserID]int{alice: 100},
		Events: map[types.EventType]int{types.EventMessage: 50},
	})
	bobBanned := member(bob, alice, types.MembershipBanned)

	tests := []struct {
		name   string
		before types.StateMap
		cited  []*types.Event
		ok     bool
	}{
		{"cites current state", base, []*types.Event{create, pl, bobJoin}, true},
		{"omits power levels", put(base.Clone(), restricted), []*types.Event{create, bobJoin}, false},
		{"cites superseded power levels", put(base.Clone(), restricted), []*types.Event{create, pl, bobJoin}, false},
		{"cites membership replaced by a ban", put(base.Clone(), bobBanned), []*types.Event{create, pl, bobJoin}, false},
		{"cites slot unset before the event", put(make(types.StateMap), create, bobJoin), []*types.Event{create, pl, bobJoin}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := message(bob)
			for _, ae := range tt.cited {
				msg.AuthEvents = append(msg.AuthEvents, ae.EventID)
			}
			snapshot, err := AuthSnapshot(msg, tt.cited)
			require.NoError(t, err)

			// The cited events alone would authorize the message.
			require.NoError(t, Check(msg, snapshot))

			err = CheckAt(msg, snapshot, tt.before)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assertDenied(t, err)
			}
		})
	}
}

func TestAuthSnapshot(t *testing.T) {
	state := baseRoom()
	msg := message(bob)

	var authEvents []*types.Event
	for _, slot := range RequiredAuthSlots(msg, state) {
		if ev, ok := state[slot]; ok {
			authEvents = append(authEvents, ev)
		}
	}
	snapshot, err := AuthSnapshot(msg, authEvents)
	require.NoError(t, err)
	assert.Len(t, snapshot, 3)

	t.Run("duplicate slot", func(t *testing.T) {
		_, err := AuthSnapshot(msg, append(authEvents, member(bob, bob, types.MembershipJoined)))
		assertDenied(t, err)
	})
	t.Run("unrelated slot", func(t *testing.T) {
		_, err := AuthSnapshot(msg, append(authEvents, member(carol, carol, types.MembershipJoined)))
		assertDenied(t, err)
	})
	t.Run("not a state event", func(t *testing.T) {
		_, err := AuthSnapshot(msg, append(authEvents, message(alice)))
		assertDenied(t, err)
	})
	t.Run("other room", func(t *testing.T) {
		foreign := stateEvent(types.EventJoinRules, "", alice, types.JoinRulesContent{JoinRule: types.JoinPublic})
		foreign.RoomID = "!other:a.example"
		_, err := AuthSnapshot(msg, append(authEvents, foreign))
		assertDenied(t, err)
	})
}

func TestReason(t *testing.T) {
	assert.Equal(t, "nope", Reason(&DeniedError{Reason: "nope"}))
	assert.Equal(t, "boom", Reason(errors.New("boom")))
	assert.Equal(t, "", Reason(nil))
}

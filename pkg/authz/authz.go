// Package authz decides whether an event is allowed given a snapshot of room
// state. Every function here is pure and safe for concurrent use.
package authz

import (
	"encoding/json"

	"concord/pkg/types"
)

// RequiredAuthSlots lists the state slots an event must cite in auth_events
// when they are occupied in state: the create event, power levels, the
// sender's membership and role, and for membership changes the target's
// membership, role and the join rules.
func RequiredAuthSlots(ev *types.Event, state types.StateMap) []types.StateTuple {
	if ev.Type == types.EventCreate {
		return nil
	}

	slots := []types.StateTuple{
		{Type: types.EventCreate},
		{Type: types.EventPowerLevels},
		{Type: types.EventMember, StateKey: string(ev.Sender)},
	}
	users := []types.UserID{ev.Sender}

	if ev.Type == types.EventMember && ev.StateKey != nil {
		target := types.UserID(*ev.StateKey)
		if target != ev.Sender {
			slots = append(slots, types.StateTuple{Type: types.EventMember, StateKey: string(target)})
			users = append(users, target)
		}
		slots = append(slots, types.StateTuple{Type: types.EventJoinRules})
	}

	if pl := state.Get(types.EventPowerLevels, ""); pl != nil {
		var content types.PowerLevelsContent
		if json.Unmarshal(pl.Content, &content) == nil {
			for _, u := range users {
				if role, ok := content.UserRoles[u]; ok {
					slots = append(slots, types.StateTuple{Type: types.EventRole, StateKey: role})
				}
			}
		}
	}

	// Dedupe while keeping a stable order.
	seen := make(map[types.StateTuple]struct{}, len(slots))
	out := slots[:0]
	for _, s := range slots {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return types.SortTuples(out)
}

// AuthEventIDs returns the ids of the events occupying ev's required slots in
// state. It is how a local server fills in auth_events.
func AuthEventIDs(ev *types.Event, state types.StateMap) []types.EventID {
	var ids []types.EventID
	for _, slot := range RequiredAuthSlots(ev, state) {
		if cur, ok := state[slot]; ok {
			ids = append(ids, cur.EventID)
		}
	}
	return types.SortEventIDs(ids)
}

// AuthSnapshot builds the state an event claims to be authorized by from its
// resolved auth events. Every auth event must be an accepted state event of
// the same room, no slot may be cited twice, and only required slots may be
// cited.
func AuthSnapshot(ev *types.Event, authEvents []*types.Event) (types.StateMap, error) {
	snapshot := make(types.StateMap, len(authEvents))
	for _, ae := range authEvents {
		if ae.RoomID != ev.RoomID {
			return nil, deny(ev, "auth event %s belongs to room %s", ae.EventID, ae.RoomID)
		}
		if !ae.IsState() {
			return nil, deny(ev, "auth event %s is not a state event", ae.EventID)
		}
		tuple := ae.Tuple()
		if prev, dup := snapshot[tuple]; dup {
			return nil, deny(ev, "auth events %s and %s both cite %s", prev.EventID, ae.EventID, tuple)
		}
		snapshot[tuple] = ae
	}

	allowed := make(map[types.StateTuple]struct{})
	for _, slot := range RequiredAuthSlots(ev, snapshot) {
		allowed[slot] = struct{}{}
	}
	for tuple, ae := range snapshot {
		if _, ok := allowed[tuple]; !ok {
			return nil, deny(ev, "auth event %s cites unrelated slot %s", ae.EventID, tuple)
		}
	}
	return snapshot, nil
}

// Check authorizes ev against snapshot. In addition to the rules applied by
// Authorize, ev's auth_events must cite the snapshot's event for every
// required slot that is occupied.
func Check(ev *types.Event, snapshot types.StateMap) error {
	cited := make(map[types.EventID]struct{}, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		cited[id] = struct{}{}
	}
	for _, slot := range RequiredAuthSlots(ev, snapshot) {
		cur, ok := snapshot[slot]
		if !ok {
			continue
		}
		if _, ok := cited[cur.EventID]; !ok {
			return deny(ev, "auth events do not cite %s for %s", cur.EventID, slot)
		}
	}
	return Authorize(ev, snapshot)
}

// CheckAt authorizes a received event. snapshot is the state its auth_events
// describe (see AuthSnapshot) and before is the state its prev_events lead
// to. Every cited event must still occupy its slot in before, every occupied
// required slot of before must be cited, and ev must pass the room rules
// against both states.
func CheckAt(ev *types.Event, snapshot, before types.StateMap) error {
	for _, tuple := range snapshot.Tuples() {
		cited := snapshot[tuple]
		cur, ok := before[tuple]
		if !ok {
			return deny(ev, "auth event %s cites %s, which is unset before the event", cited.EventID, tuple)
		}
		if cur.EventID != cited.EventID {
			return deny(ev, "auth event %s for %s is superseded by %s", cited.EventID, tuple, cur.EventID)
		}
	}
	if err := Check(ev, before); err != nil {
		return err
	}
	return Authorize(ev, snapshot)
}

// Authorize applies the room rules to ev against state, without looking at
// which events ev cites. The state resolver uses it to re-validate events
// against the state that actually preceded them.
func Authorize(ev *types.Event, state types.StateMap) error {
	if ev.Type == types.EventCreate {
		return checkCreate(ev, state)
	}

	create := state.Get(types.EventCreate, "")
	if create == nil {
		return deny(ev, "room has no create event")
	}
	if create.RoomID != ev.RoomID {
		return deny(ev, "create event belongs to room %s", create.RoomID)
	}

	content, err := types.ParseContent(ev.Type, ev.Content)
	if err != nil {
		return deny(ev, "%v", err)
	}

	levels := LevelsFrom(state)

	if ev.Type == types.EventMember {
		return checkMembership(ev, content.(types.MemberContent), state, levels)
	}

	if membershipOf(state, ev.Sender) != types.MembershipJoined {
		return deny(ev, "sender %s is not joined", ev.Sender)
	}

	senderLevel := levels.UserLevel(ev.Sender)
	required := levels.EventLevel(ev.Type, ev.IsState())
	if senderLevel < required {
		return deny(ev, "sender level %d is below %d required for %s", senderLevel, required, ev.Type)
	}

	switch ev.Type {
	case types.EventPowerLevels:
		if ev.StateKey == nil || *ev.StateKey != "" {
			return deny(ev, "power levels must use the empty state key")
		}
		return checkPowerLevels(ev, content.(types.PowerLevelsContent), levels, senderLevel)
	case types.EventRole:
		if ev.StateKey == nil || *ev.StateKey == "" {
			return deny(ev, "role events need the role name as state key")
		}
		return checkRole(ev, content.(types.RoleContent), state, senderLevel)
	case types.EventJoinRules:
		if ev.StateKey == nil || *ev.StateKey != "" {
			return deny(ev, "join rules must use the empty state key")
		}
	}
	return nil
}

func checkCreate(ev *types.Event, state types.StateMap) error {
	if len(ev.PrevEvents) != 0 || len(ev.AuthEvents) != 0 {
		return deny(ev, "create event must not reference other events")
	}
	if ev.StateKey == nil || *ev.StateKey != "" {
		return deny(ev, "create event must use the empty state key")
	}
	if state.Get(types.EventCreate, "") != nil {
		return deny(ev, "room already has a create event")
	}
	content, err := types.ParseContent(ev.Type, ev.Content)
	if err != nil {
		return deny(ev, "%v", err)
	}
	if content.(types.CreateContent).Creator != ev.Sender {
		return deny(ev, "creator does not match sender %s", ev.Sender)
	}
	if ev.Sender.Server() != ev.RoomID.Server() {
		return deny(ev, "room %s cannot be created by %s", ev.RoomID, ev.Sender)
	}
	return nil
}

func checkPowerLevels(ev *types.Event, next types.PowerLevelsContent, old *PowerLevels, senderLevel int) error {
	updated := &PowerLevels{content: next, present: true, creator: old.creator, roles: old.roles}

	thresholds := []struct {
		name     string
		old, new int
	}{
		{"users_default", intOr(old.content.UsersDefault, DefaultUsersLevel), intOr(next.UsersDefault, DefaultUsersLevel)},
		{"events_default", intOr(old.content.EventsDefault, DefaultEventsLevel), intOr(next.EventsDefault, DefaultEventsLevel)},
		{"state_default", intOr(old.content.StateDefault, DefaultStateLevel), intOr(next.StateDefault, DefaultStateLevel)},
		{"invite", old.Invite(), updated.Invite()},
		{"ban", old.Ban(), updated.Ban()},
		{"redact", old.Redact(), updated.Redact()},
	}
	for _, th := range thresholds {
		if th.old != th.new && (th.old > senderLevel || th.new > senderLevel) {
			return deny(ev, "cannot change %s from %d to %d above own level %d", th.name, th.old, th.new, senderLevel)
		}
	}

	for _, typ := range eventTypesOf(old.content.Events, next.Events) {
		o, n := old.EventLevel(typ, false), updated.EventLevel(typ, false)
		_, hadOld := old.content.Events[typ]
		_, hasNew := next.Events[typ]
		if hadOld == hasNew && o == n {
			continue
		}
		if (hadOld && o > senderLevel) || (hasNew && n > senderLevel) {
			return deny(ev, "cannot change level of %s above own level %d", typ, senderLevel)
		}
	}

	for _, user := range usersOf(old.content, next) {
		o := old.UserLevel(user)
		n := updated.UserLevel(user)
		if o == n {
			continue
		}
		if n > senderLevel {
			return deny(ev, "cannot raise %s to %d above own level %d", user, n, senderLevel)
		}
		if user != ev.Sender && o >= senderLevel {
			return deny(ev, "cannot change level of %s at or above own level %d", user, senderLevel)
		}
	}
	return nil
}

func checkRole(ev *types.Event, next types.RoleContent, state types.StateMap, senderLevel int) error {
	if next.Level > senderLevel {
		return deny(ev, "cannot define role %s at %d above own level %d", *ev.StateKey, next.Level, senderLevel)
	}
	if cur := state.Get(types.EventRole, *ev.StateKey); cur != nil {
		var prev types.RoleContent
		if json.Unmarshal(cur.Content, &prev) == nil && prev.Level >= senderLevel && prev.Level != next.Level {
			return deny(ev, "cannot change role %s at or above own level %d", *ev.StateKey, senderLevel)
		}
	}
	return nil
}

func membershipOf(state types.StateMap, user types.UserID) types.Membership {
	ev := state.Get(types.EventMember, string(user))
	if ev == nil {
		return types.MembershipNone
	}
	var c types.MemberContent
	if err := json.Unmarshal(ev.Content, &c); err != nil || !c.Membership.Valid() {
		return types.MembershipNone
	}
	return c.Membership
}

// MembershipOf returns user's membership in state.
func MembershipOf(state types.StateMap, user types.UserID) types.Membership {
	return membershipOf(state, user)
}

func eventTypesOf(maps ...map[types.EventType]int) []types.EventType {
	seen := make(map[types.EventType]struct{})
	var out []types.EventType
	for _, m := range maps {
		for typ := range m {
			if _, ok := seen[typ]; !ok {
				seen[typ] = struct{}{}
				out = append(out, typ)
			}
		}
	}
	return out
}

func usersOf(a, b types.PowerLevelsContent) []types.UserID {
	seen := make(map[types.UserID]struct{})
	var out []types.UserID
	add := func(u types.UserID) {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	for _, c := range []types.PowerLevelsContent{a, b} {
		for u := range c.Users {
			add(u)
		}
		for u := range c.UserRoles {
			add(u)
		}
	}
	return out
}

package authz

import (
	"encoding/json"

	"concord/pkg/types"
)

type transitionRule int

const (
	ruleDenied transitionRule = iota
	ruleInvite
	ruleAcceptInvite
	ruleJoin
	ruleLeave
	ruleBan
	ruleUnban
)

// transitions is the complete membership state machine. Pairs not listed
// are denied.
var transitions = map[types.Membership]map[types.Membership]transitionRule{
	types.MembershipNone: {
		types.MembershipInvited: ruleInvite,
		types.MembershipJoined:  ruleJoin,
		types.MembershipBanned:  ruleBan,
	},
	types.MembershipInvited: {
		types.MembershipJoined: ruleAcceptInvite,
		types.MembershipBanned: ruleBan,
	},
	types.MembershipJoined: {
		types.MembershipLeft:   ruleLeave,
		types.MembershipBanned: ruleBan,
	},
	types.MembershipLeft: {
		types.MembershipInvited: ruleInvite,
		types.MembershipJoined:  ruleJoin,
		types.MembershipBanned:  ruleBan,
	},
	types.MembershipBanned: {
		types.MembershipNone: ruleUnban,
	},
}

func checkMembership(ev *types.Event, content types.MemberContent, state types.StateMap, levels *PowerLevels) error {
	if ev.StateKey == nil {
		return deny(ev, "membership events need the target user as state key")
	}
	target := types.UserID(*ev.StateKey)
	if err := target.Validate(); err != nil {
		return deny(ev, "invalid membership target: %v", err)
	}

	from := membershipOf(state, target)
	to := content.Membership

	switch transitions[from][to] {
	case ruleInvite:
		if err := requireJoined(ev, state); err != nil {
			return err
		}
		if lvl := levels.UserLevel(ev.Sender); lvl < levels.Invite() {
			return deny(ev, "sender level %d is below invite level %d", lvl, levels.Invite())
		}
		return nil

	case ruleAcceptInvite:
		if ev.Sender != target {
			return deny(ev, "only %s can accept their invite", target)
		}
		return nil

	case ruleJoin:
		if ev.Sender != target {
			return deny(ev, "%s cannot join on behalf of %s", ev.Sender, target)
		}
		if joinRule(state) == types.JoinPublic {
			return nil
		}
		if from == types.MembershipNone && isCreatorFirstJoin(ev, state, levels) {
			return nil
		}
		return deny(ev, "room is not public and %s has no invite", target)

	case ruleLeave:
		if ev.Sender != target {
			return deny(ev, "%s cannot remove %s", ev.Sender, target)
		}
		return nil

	case ruleBan:
		if err := requireJoined(ev, state); err != nil {
			return err
		}
		senderLevel := levels.UserLevel(ev.Sender)
		if senderLevel < levels.Ban() {
			return deny(ev, "sender level %d is below ban level %d", senderLevel, levels.Ban())
		}
		if targetLevel := levels.UserLevel(target); senderLevel <= targetLevel {
			return deny(ev, "sender level %d does not exceed target level %d", senderLevel, targetLevel)
		}
		return nil

	case ruleUnban:
		if err := requireJoined(ev, state); err != nil {
			return err
		}
		if lvl := levels.UserLevel(ev.Sender); lvl < levels.Ban() {
			return deny(ev, "sender level %d is below ban level %d", lvl, levels.Ban())
		}
		return nil
	}

	return deny(ev, "membership transition %s -> %s is not allowed", from, to)
}

func requireJoined(ev *types.Event, state types.StateMap) error {
	if membershipOf(state, ev.Sender) != types.MembershipJoined {
		return deny(ev, "sender %s is not joined", ev.Sender)
	}
	return nil
}

func joinRule(state types.StateMap) types.JoinRule {
	ev := state.Get(types.EventJoinRules, "")
	if ev == nil {
		return types.JoinInvite
	}
	var c types.JoinRulesContent
	if err := json.Unmarshal(ev.Content, &c); err != nil {
		return types.JoinInvite
	}
	return c.JoinRule
}

// isCreatorFirstJoin allows the room creator to join directly on top of the
// create event.
func isCreatorFirstJoin(ev *types.Event, state types.StateMap, levels *PowerLevels) bool {
	create := state.Get(types.EventCreate, "")
	return create != nil &&
		levels.creator == ev.Sender &&
		len(ev.PrevEvents) == 1 &&
		ev.PrevEvents[0] == create.EventID
}

package authz

import (
	"encoding/json"

	"concord/pkg/types"
)

// Thresholds used when a room has no power levels event, or the event omits
// a field.
const (
	DefaultCreatorLevel = 100
	DefaultUsersLevel   = 0
	DefaultEventsLevel  = 0
	DefaultStateLevel   = 50
	DefaultInviteLevel  = 0
	DefaultBanLevel     = 50
	DefaultRedactLevel  = 50
)

// PowerLevels answers level questions for one room state.
type PowerLevels struct {
	content types.PowerLevelsContent
	present bool
	creator types.UserID
	roles   map[string]int
}

// LevelsFrom reads the power levels, role definitions and creator out of
// state. Undecodable content is treated as absent.
func LevelsFrom(state types.StateMap) *PowerLevels {
	p := &PowerLevels{roles: make(map[string]int)}

	if create := state.Get(types.EventCreate, ""); create != nil {
		var c types.CreateContent
		if json.Unmarshal(create.Content, &c) == nil {
			p.creator = c.Creator
		}
	}
	if pl := state.Get(types.EventPowerLevels, ""); pl != nil {
		if json.Unmarshal(pl.Content, &p.content) == nil {
			p.present = true
		}
	}
	for tuple, ev := range state {
		if tuple.Type != types.EventRole {
			continue
		}
		var r types.RoleContent
		if json.Unmarshal(ev.Content, &r) == nil {
			p.roles[tuple.StateKey] = r.Level
		}
	}
	return p
}

// UserLevel resolves a user's level: explicit entry first, then the level of
// their assigned role, then users_default.
func (p *PowerLevels) UserLevel(user types.UserID) int {
	if !p.present {
		if user == p.creator && user != "" {
			return DefaultCreatorLevel
		}
		return DefaultUsersLevel
	}
	if lvl, ok := p.content.Users[user]; ok {
		return lvl
	}
	if role, ok := p.content.UserRoles[user]; ok {
		if lvl, ok := p.roles[role]; ok {
			return lvl
		}
	}
	return intOr(p.content.UsersDefault, DefaultUsersLevel)
}

// EventLevel is the level needed to send an event of typ.
func (p *PowerLevels) EventLevel(typ types.EventType, state bool) int {
	if lvl, ok := p.content.Events[typ]; ok {
		return lvl
	}
	if state {
		return intOr(p.content.StateDefault, DefaultStateLevel)
	}
	return intOr(p.content.EventsDefault, DefaultEventsLevel)
}

func (p *PowerLevels) Invite() int { return intOr(p.content.Invite, DefaultInviteLevel) }
func (p *PowerLevels) Ban() int    { return intOr(p.content.Ban, DefaultBanLevel) }
func (p *PowerLevels) Redact() int { return intOr(p.content.Redact, DefaultRedactLevel) }

// UserLevel is shorthand for LevelsFrom(state).UserLevel(user).
func UserLevel(state types.StateMap, user types.UserID) int {
	return LevelsFrom(state).UserLevel(user)
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

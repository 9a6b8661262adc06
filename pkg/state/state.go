// Package state computes room state from the event DAG.
//
// The state after an event is a pure function of its ancestry: the merge of
// its parents' states, with the event itself applied when it is an accepted
// state event that is authorized against that merge. Because of that, entries
// are memoized by event id and never go stale.
//
// Merging two or more parent states proceeds in two tiers. Slots on which all
// parents agree are copied. The remaining slots are contested: candidates
// that are ancestors of another candidate are dropped, the rest are ranked by
// the sender's level at authoring time (desc), origin_ts (asc) and event id
// (asc), and the winners are re-validated against the merged state until
// nothing changes.
package state

import (
	"fmt"
	"sort"
	"strings"

	"concord/pkg/types"
)

// RoomState is one resolved version of a room's state. Values are never
// mutated after they are published.
type RoomState struct {
	RoomID   types.RoomID
	Version  uint64
	Frontier []types.EventID
	Slots    map[types.StateTuple]types.EventID

	// State holds the events behind Slots. It is shared and must be treated
	// as read-only.
	State types.StateMap
}

func newRoomState(room types.RoomID, version uint64, frontier []types.EventID, state types.StateMap) *RoomState {
	return &RoomState{
		RoomID:   room,
		Version:  version,
		Frontier: types.SortEventIDs(append([]types.EventID(nil), frontier...)),
		Slots:    state.IDs(),
		State:    state,
	}
}

// WithFrontier returns a copy of s at frontier, sharing its slots. It is for
// frontiers reached by events that cannot change state.
func (s *RoomState) WithFrontier(frontier []types.EventID) *RoomState {
	return &RoomState{
		RoomID:   s.RoomID,
		Version:  s.Version,
		Frontier: types.SortEventIDs(append([]types.EventID(nil), frontier...)),
		Slots:    s.Slots,
		State:    s.State,
	}
}

// Get returns the event id occupying (typ, stateKey).
func (s *RoomState) Get(typ types.EventType, stateKey string) (types.EventID, bool) {
	if s == nil {
		return "", false
	}
	id, ok := s.Slots[types.StateTuple{Type: typ, StateKey: stateKey}]
	return id, ok
}

// SameSlots reports whether both states select the same events.
func (s *RoomState) SameSlots(o *RoomState) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Slots) != len(o.Slots) {
		return false
	}
	for k, v := range s.Slots {
		if o.Slots[k] != v {
			return false
		}
	}
	return true
}

// DivergenceError reports slots whose resolution did not settle within the
// iteration cap. The accompanying state keeps the last good value for them.
type DivergenceError struct {
	RoomID types.RoomID
	Slots  []types.StateTuple
}

func (e *DivergenceError) Error() string {
	parts := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		parts[i] = s.String()
	}
	return fmt.Sprintf("state of %s did not converge for %s", e.RoomID, strings.Join(parts, ", "))
}

// slotPriority orders contested slots so that the slots other checks depend
// on settle first.
func slotPriority(t types.StateTuple) int {
	switch t.Type {
	case types.EventCreate:
		return 0
	case types.EventPowerLevels:
		return 1
	case types.EventRole:
		return 2
	case types.EventJoinRules:
		return 3
	case types.EventMember:
		return 4
	default:
		return 5
	}
}

func sortByPriority(tuples []types.StateTuple) {
	sort.Slice(tuples, func(i, j int) bool {
		pi, pj := slotPriority(tuples[i]), slotPriority(tuples[j])
		if pi != pj {
			return pi < pj
		}
		return tuples[i].Less(tuples[j])
	})
}

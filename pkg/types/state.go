package types

// StateMap holds the winning event for each state slot. Values are shared
// between snapshots and must never be mutated; use Clone before writing.
type StateMap map[StateTuple]*Event

// Get returns the event occupying (typ, stateKey), or nil.
func (s StateMap) Get(typ EventType, stateKey string) *Event {
	if s == nil {
		return nil
	}
	return s[StateTuple{Type: typ, StateKey: stateKey}]
}

// Clone returns a shallow copy of the map.
func (s StateMap) Clone() StateMap {
	out := make(StateMap, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Tuples returns the occupied slots in sorted order.
func (s StateMap) Tuples() []StateTuple {
	out := make([]StateTuple, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return SortTuples(out)
}

// IDs projects the map down to event ids.
func (s StateMap) IDs() map[StateTuple]EventID {
	out := make(map[StateTuple]EventID, len(s))
	for k, v := range s {
		out[k] = v.EventID
	}
	return out
}

// Equal reports whether both maps select the same event for every slot.
func (s StateMap) Equal(o StateMap) bool {
	if len(s) != len(o) {
		return false
	}
	for k, v := range s {
		ov, ok := o[k]
		if !ok || ov.EventID != v.EventID {
			return false
		}
	}
	return true
}

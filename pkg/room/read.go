package room

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"concord/pkg/authz"
	"concord/pkg/codec"
	"concord/pkg/state"
	"concord/pkg/store"
	"concord/pkg/types"
)

// State returns the room's current resolved state.
func (e *Engine) State(ctx context.Context, room types.RoomID) (*state.RoomState, error) {
	return e.snapshot(ctx, room)
}

// Frontier returns the room's current forward extremities.
func (e *Engine) Frontier(ctx context.Context, room types.RoomID) ([]types.EventID, error) {
	rs, err := e.snapshot(ctx, room)
	if err != nil {
		return nil, err
	}
	return append([]types.EventID(nil), rs.Frontier...), nil
}

// Rooms lists every room with stored events.
func (e *Engine) Rooms(ctx context.Context) ([]types.RoomID, error) {
	return e.store.Rooms(ctx)
}

// Membership returns user's current membership in room.
func (e *Engine) Membership(ctx context.Context, room types.RoomID, user types.UserID) (types.Membership, error) {
	rs, err := e.snapshot(ctx, room)
	if err != nil {
		return "", err
	}
	return authz.MembershipOf(rs.State, user), nil
}

// Servers returns the servers with joined or invited members in room,
// sorted by name.
func (e *Engine) Servers(ctx context.Context, room types.RoomID) ([]types.ServerName, error) {
	rs, err := e.snapshot(ctx, room)
	if err != nil {
		return nil, err
	}

	seen := make(map[types.ServerName]struct{})
	for tuple := range rs.State {
		if tuple.Type != types.EventMember {
			continue
		}
		user := types.UserID(tuple.StateKey)
		switch authz.MembershipOf(rs.State, user) {
		case types.MembershipJoined, types.MembershipInvited:
			seen[user.Server()] = struct{}{}
		}
	}

	out := make([]types.ServerName, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Event returns a stored event. When an authorized redaction targets it the
// redacted view is returned instead.
func (e *Engine) Event(ctx context.Context, id types.EventID) (*types.Event, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	redacted, err := e.isRedacted(ctx, rec.Event)
	if err != nil {
		return nil, err
	}
	if redacted {
		return codec.Redact(rec.Event), nil
	}
	return rec.Event, nil
}

// isRedacted reports whether an accepted redaction by the event's sender, or
// by a user at or above the room's redact level, targets ev.
func (e *Engine) isRedacted(ctx context.Context, ev *types.Event) (bool, error) {
	if _, err := e.snapshot(ctx, ev.RoomID); err != nil && !errors.Is(err, ErrUnknownRoom) {
		return false, err
	}

	l := e.lane(ev.RoomID)
	l.mu.Lock()
	candidates := append([]types.EventID(nil), l.redactions[ev.EventID]...)
	l.mu.Unlock()

	for _, rid := range candidates {
		rec, err := e.store.Get(ctx, rid)
		if err != nil {
			return false, fmt.Errorf("load redaction %s: %w", rid, err)
		}
		if rec.Rejected {
			continue
		}
		if rec.Event.Sender == ev.Sender {
			return true, nil
		}
		before, err := e.resolver.StateBefore(ctx, rid)
		if err != nil {
			return false, err
		}
		if authz.UserLevel(before, rec.Event.Sender) >= authz.LevelsFrom(before).Redact() {
			return true, nil
		}
	}
	return false, nil
}

// StateSnapshot returns the room's state together with the full auth chain
// of its state events, ordered so every event follows its auth events.
func (e *Engine) StateSnapshot(ctx context.Context, room types.RoomID) (*state.RoomState, []*types.Event, error) {
	rs, err := e.snapshot(ctx, room)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]types.EventID, 0, len(rs.Slots))
	for _, id := range rs.Slots {
		ids = append(ids, id)
	}
	types.SortEventIDs(ids)

	chain, err := state.AuthChain(ctx, e.store, ids)
	if err != nil {
		return nil, nil, err
	}
	events := make([]*types.Event, len(chain))
	for i, rec := range chain {
		events[i] = rec.Event
	}
	return rs, events, nil
}

// Backfill returns up to limit events preceding from, oldest first.
func (e *Engine) Backfill(ctx context.Context, room types.RoomID, from []types.EventID, limit int) ([]*types.Event, error) {
	recs, err := e.store.Backfill(ctx, room, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, len(recs))
	for i, rec := range recs {
		out[i] = rec.Event
	}
	return out, nil
}

// EventsSince iterates the room's events stored after cursor that are not
// ancestors of from.
func (e *Engine) EventsSince(ctx context.Context, room types.RoomID, from []types.EventID, cursor store.Position) *store.Iterator {
	return e.store.EventsSince(ctx, room, from, cursor)
}

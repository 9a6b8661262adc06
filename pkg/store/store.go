// Package store is the append-only event log. It keeps every event ever
// admitted, accepted or not, together with the DAG edges needed to walk a
// room's history and the per-room frontier.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"concord/pkg/types"
)

// Position is a global, monotonically increasing stream position. Because an
// event can only be appended after its ancestors, position order is always a
// valid topological order of each room's DAG.
type Position int64

var (
	ErrNotFound  = errors.New("event not found")
	ErrCrossRoom = errors.New("ancestor belongs to a different room")
	ErrClosed    = errors.New("store is closed")
)

// MissingAncestorsError reports that an event references ids the store has
// never seen. The event must be deferred, not rejected.
type MissingAncestorsError struct {
	EventID types.EventID
	Missing []types.EventID
}

func (e *MissingAncestorsError) Error() string {
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = string(id)
	}
	return fmt.Sprintf("event %s is missing ancestors: %s", e.EventID, strings.Join(ids, ", "))
}

// Verdict is the authorization outcome recorded with an event.
type Verdict struct {
	Rejected bool
	Reason   string
}

// Accepted is the verdict for events that passed authorization.
var Accepted = Verdict{}

// Rejected returns a verdict recording why an event was denied.
func Rejected(reason string) Verdict {
	return Verdict{Rejected: true, Reason: reason}
}

// Record is a stored event plus its bookkeeping.
type Record struct {
	Event        *types.Event
	Position     Position
	Rejected     bool
	RejectReason string

	// Duplicate is set by Append when the event was already stored. The
	// remaining fields then describe the original record.
	Duplicate bool
}

// Store is the event log contract shared by the memory and SQLite backends.
// Stored events must not be mutated by callers.
type Store interface {
	Append(ctx context.Context, ev *types.Event, verdict Verdict) (Record, error)
	Get(ctx context.Context, id types.EventID) (Record, error)
	Has(ctx context.Context, id types.EventID) (bool, error)
	MissingAncestors(ctx context.Context, ev *types.Event) ([]types.EventID, error)
	Frontier(ctx context.Context, room types.RoomID) ([]types.EventID, error)
	EventsSince(ctx context.Context, room types.RoomID, from []types.EventID, cursor Position) *Iterator
	Backfill(ctx context.Context, room types.RoomID, from []types.EventID, limit int) ([]Record, error)
	Rooms(ctx context.Context) ([]types.RoomID, error)
	Position(ctx context.Context) (Position, error)

	AckCursor(ctx context.Context, dest types.ServerName, room types.RoomID, pos Position) error
	Cursor(ctx context.Context, dest types.ServerName, room types.RoomID) (Position, error)

	Close() error
}

// getter is the read path the generic walks below need.
type getter interface {
	Get(ctx context.Context, id types.EventID) (Record, error)
}

// ancestorSet returns from and every event reachable from it through prev and
// auth edges.
func ancestorSet(ctx context.Context, s getter, from []types.EventID) (map[types.EventID]struct{}, error) {
	seen := make(map[types.EventID]struct{})
	stack := append([]types.EventID(nil), from...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[id] = struct{}{}
		stack = append(stack, rec.Event.Ancestors()...)
	}
	return seen, nil
}

// backfill walks prev edges breadth first from the given events and returns
// up to limit of them, oldest first.
func backfill(ctx context.Context, s getter, room types.RoomID, from []types.EventID, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	seen := make(map[types.EventID]struct{})
	level := types.SortEventIDs(append([]types.EventID(nil), from...))
	var out []Record
	for len(level) > 0 && len(out) < limit {
		var next []types.EventID
		for _, id := range level {
			if len(out) >= limit {
				break
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			rec, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if rec.Event.RoomID != room {
				continue
			}
			out = append(out, rec)
			next = append(next, rec.Event.PrevEvents...)
		}
		level = types.SortEventIDs(next)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// checkAncestors classifies ev's referenced ids against the store.
func checkAncestors(ctx context.Context, s getter, ev *types.Event) ([]types.EventID, error) {
	var missing []types.EventID
	for _, id := range ev.Ancestors() {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Event.RoomID != ev.RoomID {
			return nil, fmt.Errorf("%w: %s references %s", ErrCrossRoom, ev.EventID, id)
		}
	}
	return missing, nil
}

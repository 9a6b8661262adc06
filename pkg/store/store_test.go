package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"concord/pkg/codec"
	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = types.RoomID("!room:a.example")

var clock int64

// mkEvent builds an event in testRoom with a content-derived id.
func mkEvent(t *testing.T, body string, prev ...types.EventID) *types.Event {
	t.Helper()
	clock++
	ev := &types.Event{
		RoomID:       testRoom,
		OriginServer: "a.example",
		Type:         types.EventMessage,
		Sender:       "@alice:a.example",
		OriginTS:     clock,
		Content:      types.MustContent(map[string]string{"body": body}),
		PrevEvents:   prev,
	}
	if len(prev) == 0 {
		ev.Type = types.EventCreate
		ev.StateKey = types.StringPtr("")
		ev.Content = json.RawMessage(`{"creator":"@alice:a.example"}`)
	}
	id, err := codec.ComputeEventID(ev)
	require.NoError(t, err)
	ev.EventID = id
	return ev
}

func mustAppend(t *testing.T, s Store, ev *types.Event, v Verdict) Record {
	t.Helper()
	rec, err := s.Append(context.Background(), ev, v)
	require.NoError(t, err)
	return rec
}

func ids(recs []Record) []types.EventID {
	out := make([]types.EventID, len(recs))
	for i, r := range recs {
		out[i] = r.Event.EventID
	}
	return out
}

// runStoreContract exercises behavior every backend must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("AppendAndGet", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		rec := mustAppend(t, s, create, Accepted)
		assert.False(t, rec.Duplicate)
		assert.Positive(t, int64(rec.Position))

		got, err := s.Get(ctx, create.EventID)
		require.NoError(t, err)
		assert.Equal(t, create.EventID, got.Event.EventID)
		assert.Equal(t, rec.Position, got.Position)
		assert.JSONEq(t, string(create.Content), string(got.Event.Content))

		ok, err := s.Has(ctx, create.EventID)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.Get(ctx, "$missing")
		assert.ErrorIs(t, err, ErrNotFound)
		ok, err = s.Has(ctx, "$missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("AppendIsIdempotent", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		first := mustAppend(t, s, create, Accepted)
		second := mustAppend(t, s, create, Rejected("ignored"))

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Position, second.Position)
		assert.False(t, second.Rejected, "original verdict is kept")

		pos, err := s.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.Position, pos)
	})

	t.Run("MissingAncestors", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		orphan := mkEvent(t, "orphan", create.EventID, "$unknown")

		missing, err := s.MissingAncestors(ctx, orphan)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.EventID{create.EventID, "$unknown"}, missing)

		_, err = s.Append(ctx, orphan, Accepted)
		var mae *MissingAncestorsError
		require.True(t, errors.As(err, &mae))
		assert.Equal(t, orphan.EventID, mae.EventID)

		ok, err := s.Has(ctx, orphan.EventID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RejectsCrossRoomAncestor", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		mustAppend(t, s, create, Accepted)

		other := mkEvent(t, "elsewhere", create.EventID)
		other.RoomID = "!other:a.example"
		_, err := s.Append(ctx, other, Accepted)
		assert.ErrorIs(t, err, ErrCrossRoom)
	})

	t.Run("FrontierTracksAcceptedTips", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		a := mkEvent(t, "a", create.EventID)
		b := mkEvent(t, "b", create.EventID)
		bad := mkEvent(t, "bad", a.EventID)

		mustAppend(t, s, create, Accepted)
		mustAppend(t, s, a, Accepted)
		mustAppend(t, s, b, Accepted)
		rec := mustAppend(t, s, bad, Rejected("denied"))
		assert.True(t, rec.Rejected)
		assert.Equal(t, "denied", rec.RejectReason)

		frontier, err := s.Frontier(ctx, testRoom)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.EventID{a.EventID, b.EventID}, frontier)

		merge := mkEvent(t, "merge", a.EventID, b.EventID)
		mustAppend(t, s, merge, Accepted)
		frontier, err = s.Frontier(ctx, testRoom)
		require.NoError(t, err)
		assert.Equal(t, []types.EventID{merge.EventID}, frontier)

		got, err := s.Get(ctx, bad.EventID)
		require.NoError(t, err)
		assert.True(t, got.Rejected)
	})

	t.Run("EventsSince", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		chain := []*types.Event{create}
		for i := 0; i < 5; i++ {
			chain = append(chain, mkEvent(t, fmt.Sprintf("m%d", i), chain[len(chain)-1].EventID))
		}
		for _, ev := range chain {
			mustAppend(t, s, ev, Accepted)
		}

		all, err := Collect(s.EventsSince(ctx, testRoom, nil, 0))
		require.NoError(t, err)
		require.Len(t, all, len(chain))
		for i, ev := range chain {
			assert.Equal(t, ev.EventID, all[i].Event.EventID)
		}

		after, err := Collect(s.EventsSince(ctx, testRoom, []types.EventID{chain[2].EventID}, 0))
		require.NoError(t, err)
		assert.Equal(t, []types.EventID{chain[3].EventID, chain[4].EventID, chain[5].EventID}, ids(after))

		it := s.EventsSince(ctx, testRoom, nil, 0)
		require.True(t, it.Next())
		require.True(t, it.Next())
		resumed, err := Collect(s.EventsSince(ctx, testRoom, nil, it.Cursor()))
		require.NoError(t, err)
		assert.Equal(t, ids(all[2:]), ids(resumed))

		none, err := Collect(s.EventsSince(ctx, "!empty:a.example", nil, 0))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("EventsSincePages", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		mustAppend(t, s, create, Accepted)
		prev := create.EventID
		for i := 0; i < 7; i++ {
			ev := mkEvent(t, fmt.Sprintf("p%d", i), prev)
			mustAppend(t, s, ev, Accepted)
			prev = ev.EventID
		}

		it := s.EventsSince(ctx, testRoom, nil, 0)
		it.pageSize = 3
		recs, err := Collect(it)
		require.NoError(t, err)
		assert.Len(t, recs, 8)
		for i := 1; i < len(recs); i++ {
			assert.Less(t, recs[i-1].Position, recs[i].Position)
		}
	})

	t.Run("Backfill", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")
		a := mkEvent(t, "a", create.EventID)
		b := mkEvent(t, "b", a.EventID)
		c := mkEvent(t, "c", b.EventID)
		for _, ev := range []*types.Event{create, a, b, c} {
			mustAppend(t, s, ev, Accepted)
		}

		recs, err := s.Backfill(ctx, testRoom, []types.EventID{c.EventID}, 2)
		require.NoError(t, err)
		assert.Equal(t, []types.EventID{b.EventID, c.EventID}, ids(recs))

		recs, err = s.Backfill(ctx, testRoom, []types.EventID{c.EventID}, 10)
		require.NoError(t, err)
		assert.Equal(t, []types.EventID{create.EventID, a.EventID, b.EventID, c.EventID}, ids(recs))

		recs, err = s.Backfill(ctx, testRoom, []types.EventID{c.EventID}, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("RoomsAndPosition", func(t *testing.T) {
		s := open(t)
		pos, err := s.Position(ctx)
		require.NoError(t, err)
		assert.Equal(t, Position(0), pos)

		mustAppend(t, s, mkEvent(t, "create"), Accepted)
		rooms, err := s.Rooms(ctx)
		require.NoError(t, err)
		assert.Equal(t, []types.RoomID{testRoom}, rooms)
	})

	t.Run("DestinationCursors", func(t *testing.T) {
		s := open(t)
		pos, err := s.Cursor(ctx, "b.example", testRoom)
		require.NoError(t, err)
		assert.Equal(t, Position(0), pos)

		require.NoError(t, s.AckCursor(ctx, "b.example", testRoom, 5))
		require.NoError(t, s.AckCursor(ctx, "b.example", testRoom, 3))
		pos, err = s.Cursor(ctx, "b.example", testRoom)
		require.NoError(t, err)
		assert.Equal(t, Position(5), pos, "cursors never move backwards")

		pos, err = s.Cursor(ctx, "c.example", testRoom)
		require.NoError(t, err)
		assert.Equal(t, Position(0), pos)
	})

	t.Run("ConcurrentDuplicateAppends", func(t *testing.T) {
		s := open(t)
		create := mkEvent(t, "create")

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			dups int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec, err := s.Append(ctx, create, Accepted)
				assert.NoError(t, err)
				mu.Lock()
				if rec.Duplicate {
					dups++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 7, dups)
	})
}

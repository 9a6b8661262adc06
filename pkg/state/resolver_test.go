package state

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"concord/pkg/codec"
	"concord/pkg/store"
	"concord/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	room  = types.RoomID("!r:a.example")
	alice = types.UserID("@alice:a.example")
	bob   = types.UserID("@bob:b.example")
	carol = types.UserID("@carol:c.example")
	dave  = types.UserID("@dave:a.example")
)

// dag builds a room history with content-addressed events and records the
// order they were created in.
type dag struct {
	t      *testing.T
	ts     int64
	events []*types.Event
	reject map[types.EventID]bool
}

func newDAG(t *testing.T) *dag {
	return &dag{t: t, reject: make(map[types.EventID]bool)}
}

func (d *dag) state(sender types.UserID, typ types.EventType, key string, content any, prev ...*types.Event) *types.Event {
	d.t.Helper()
	return d.add(sender, typ, types.StringPtr(key), content, prev...)
}

func (d *dag) add(sender types.UserID, typ types.EventType, key *string, content any, prev ...*types.Event) *types.Event {
	d.t.Helper()
	d.ts++
	ev := &types.Event{
		RoomID:       room,
		OriginServer: sender.Server(),
		Type:         typ,
		StateKey:     key,
		Sender:       sender,
		OriginTS:     d.ts,
		Content:      types.MustContent(content),
	}
	for _, p := range prev {
		ev.PrevEvents = append(ev.PrevEvents, p.EventID)
	}
	id, err := codec.ComputeEventID(ev)
	require.NoError(d.t, err)
	ev.EventID = id
	d.events = append(d.events, ev)
	return ev
}

func (d *dag) join(user types.UserID, prev ...*types.Event) *types.Event {
	return d.state(user, types.EventMember, string(user), types.MemberContent{Membership: types.MembershipJoined}, prev...)
}

func (d *dag) powerLevels(sender types.UserID, users map[types.UserID]int, prev ...*types.Event) *types.Event {
	return d.state(sender, types.EventPowerLevels, "", types.PowerLevelsContent{Users: users}, prev...)
}

func (d *dag) joinRule(sender types.UserID, rule types.JoinRule, prev ...*types.Event) *types.Event {
	return d.state(sender, types.EventJoinRules, "", types.JoinRulesContent{JoinRule: rule}, prev...)
}

// load appends events into a fresh store in the given order.
func (d *dag) load(order []*types.Event) *store.MemoryStore {
	d.t.Helper()
	s := store.NewMemoryStore()
	for _, ev := range order {
		v := store.Accepted
		if d.reject[ev.EventID] {
			v = store.Rejected("test")
		}
		_, err := s.Append(context.Background(), ev, v)
		require.NoError(d.t, err)
	}
	return s
}

func (d *dag) resolve(s store.Store, opts ...Option) (*RoomState, error) {
	d.t.Helper()
	frontier, err := s.Frontier(context.Background(), room)
	require.NoError(d.t, err)
	opts = append(opts, WithLogger(zaptest.NewLogger(d.t)))
	return NewResolver(s, opts...).Resolve(context.Background(), room, frontier, nil)
}

// base is create, alice joins, power levels, public join rules and bob
// joins.
func (d *dag) base() (tip *types.Event, pl *types.Event, jr *types.Event) {
	create := d.state(alice, types.EventCreate, "", types.CreateContent{Creator: alice})
	join := d.join(alice, create)
	pl = d.powerLevels(alice, map[types.UserID]int{alice: 100, bob: 50}, join)
	jr = d.joinRule(alice, types.JoinPublic, pl)
	tip = d.join(bob, jr)
	return tip, pl, jr
}

func TestLinearHistory(t *testing.T) {
	d := newDAG(t)
	tip, pl, jr := d.base()
	msg := d.add(bob, types.EventMessage, nil, types.MessageContent{Body: "hi"}, tip)

	s := d.load(d.events)
	rs, err := d.resolve(s)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rs.Version)
	assert.Equal(t, []types.EventID{msg.EventID}, rs.Frontier)
	assert.Len(t, rs.Slots, 5)

	id, ok := rs.Get(types.EventPowerLevels, "")
	assert.True(t, ok)
	assert.Equal(t, pl.EventID, id)
	id, _ = rs.Get(types.EventJoinRules, "")
	assert.Equal(t, jr.EventID, id)
	id, _ = rs.Get(types.EventMember, string(bob))
	assert.Equal(t, tip.EventID, id)
}

func TestUnauthorizedStateDoesNotApply(t *testing.T) {
	d := newDAG(t)
	tip, _, jr := d.base()
	// carol never joined, so her change is ignored even though it is stored.
	bad := d.joinRule(carol, types.JoinInvite, tip)

	s := d.load(d.events)
	r := NewResolver(s)

	after, err := r.StateAfter(context.Background(), bad.EventID)
	require.NoError(t, err)
	assert.Equal(t, jr.EventID, after.Get(types.EventJoinRules, "").EventID)

	before, err := r.StateBefore(context.Background(), bad.EventID)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))
}

func TestRejectedEventsDoNotApply(t *testing.T) {
	d := newDAG(t)
	tip, _, jr := d.base()
	change := d.joinRule(alice, types.JoinInvite, tip)
	d.reject[change.EventID] = true

	s := d.load(d.events)
	after, err := NewResolver(s).StateAfter(context.Background(), change.EventID)
	require.NoError(t, err)
	assert.Equal(t, jr.EventID, after.Get(types.EventJoinRules, "").EventID)
}

// Alice demotes bob while bob concurrently changes the join rules. Once the
// branches merge, bob's change no longer holds.
func TestConcurrentDemotion(t *testing.T) {
	d := newDAG(t)
	tip, _, jr := d.base()
	demote := d.powerLevels(alice, map[types.UserID]int{alice: 100, bob: 0}, tip)
	change := d.joinRule(bob, types.JoinInvite, tip)

	s := d.load(d.events)
	rs, err := d.resolve(s)
	require.NoError(t, err)

	assert.ElementsMatch(t, []types.EventID{demote.EventID, change.EventID}, rs.Frontier)
	id, _ := rs.Get(types.EventPowerLevels, "")
	assert.Equal(t, demote.EventID, id)
	id, _ = rs.Get(types.EventJoinRules, "")
	assert.Equal(t, jr.EventID, id, "bob lost the power to change join rules")
}

func TestAncestorCandidatesAreSuperseded(t *testing.T) {
	d := newDAG(t)
	tip, _, _ := d.base()
	first := d.joinRule(alice, types.JoinInvite, tip)
	second := d.joinRule(alice, types.JoinPublic, first)
	msg := d.add(bob, types.EventMessage, nil, types.MessageContent{Body: "side"}, tip)

	s := d.load(d.events)
	rs, err := d.resolve(s)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.EventID{second.EventID, msg.EventID}, rs.Frontier)

	id, _ := rs.Get(types.EventJoinRules, "")
	assert.Equal(t, second.EventID, id)
}

func TestRankingOrder(t *testing.T) {
	topic := types.EventType("room.topic")

	t.Run("higher level wins", func(t *testing.T) {
		d := newDAG(t)
		tip, _, _ := d.base()
		low := d.state(bob, topic, "", map[string]string{"topic": "bob"}, tip)
		high := d.state(alice, topic, "", map[string]string{"topic": "alice"}, tip)
		assert.Less(t, low.OriginTS, high.OriginTS)

		rs, err := d.resolve(d.load(d.events))
		require.NoError(t, err)
		id, _ := rs.Get(topic, "")
		assert.Equal(t, high.EventID, id)
	})

	t.Run("earlier origin_ts breaks level ties", func(t *testing.T) {
		d := newDAG(t)
		create := d.state(alice, types.EventCreate, "", types.CreateContent{Creator: alice})
		join := d.join(alice, create)
		pl := d.powerLevels(alice, map[types.UserID]int{alice: 100, dave: 100}, join)
		jr := d.joinRule(alice, types.JoinPublic, pl)
		tip := d.join(dave, jr)

		first := d.state(dave, topic, "", map[string]string{"topic": "dave"}, tip)
		second := d.state(alice, topic, "", map[string]string{"topic": "alice"}, tip)
		assert.Less(t, first.OriginTS, second.OriginTS)

		rs, err := d.resolve(d.load(d.events))
		require.NoError(t, err)
		id, _ := rs.Get(topic, "")
		assert.Equal(t, first.EventID, id)
	})

	t.Run("event id breaks full ties", func(t *testing.T) {
		d := newDAG(t)
		tip, _, _ := d.base()
		a := d.state(alice, topic, "", map[string]string{"topic": "one"}, tip)
		b := d.state(alice, topic, "", map[string]string{"topic": "two"}, tip)
		b.OriginTS = a.OriginTS
		id, err := codec.ComputeEventID(b)
		require.NoError(t, err)
		b.EventID = id

		want := a.EventID
		if b.EventID < want {
			want = b.EventID
		}
		rs, err := d.resolve(d.load(d.events))
		require.NoError(t, err)
		got, _ := rs.Get(topic, "")
		assert.Equal(t, want, got)
	})
}

// topoShuffle returns a random order of events in which every event comes
// after its parents.
func topoShuffle(events []*types.Event, rng *rand.Rand) []*types.Event {
	placed := make(map[types.EventID]bool)
	remaining := append([]*types.Event(nil), events...)
	var out []*types.Event
	for len(remaining) > 0 {
		var ready []int
		for i, ev := range remaining {
			ok := true
			for _, p := range ev.PrevEvents {
				if !placed[p] {
					ok = false
					break
				}
			}
			if ok {
				ready = append(ready, i)
			}
		}
		pick := ready[rng.Intn(len(ready))]
		ev := remaining[pick]
		placed[ev.EventID] = true
		out = append(out, ev)
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return out
}

func TestDeterministicUnderPermutation(t *testing.T) {
	d := newDAG(t)
	tip, _, _ := d.base()
	topic := types.EventType("room.topic")

	demote := d.powerLevels(alice, map[types.UserID]int{alice: 100, bob: 0}, tip)
	change := d.joinRule(bob, types.JoinInvite, tip)
	t1 := d.state(bob, topic, "", map[string]string{"topic": "b"}, change)
	carolJoin := d.join(carol, tip)
	t2 := d.state(alice, topic, "", map[string]string{"topic": "a"}, demote, carolJoin)
	d.add(alice, types.EventMessage, nil, types.MessageContent{Body: "m"}, t1, t2)
	d.state(bob, topic, "", map[string]string{"topic": "late"}, carolJoin)

	reference, err := d.resolve(d.load(d.events))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		order := topoShuffle(d.events, rng)
		rs, err := d.resolve(d.load(order))
		require.NoError(t, err)
		assert.Equal(t, reference.Slots, rs.Slots, "permutation %d", i)
		assert.Equal(t, reference.Frontier, rs.Frontier)
	}
}

func TestDivergenceKeepsLastGoodValue(t *testing.T) {
	d := newDAG(t)
	tip, _, jr := d.base()
	d.powerLevels(alice, map[types.UserID]int{alice: 100, bob: 0}, tip)
	change := d.joinRule(bob, types.JoinInvite, tip)
	s := d.load(d.events)

	frontier, err := s.Frontier(context.Background(), room)
	require.NoError(t, err)
	r := NewResolver(s, WithMaxIterations(1))

	t.Run("without previous state", func(t *testing.T) {
		rs, err := r.Resolve(context.Background(), room, frontier, nil)
		var derr *DivergenceError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, []types.StateTuple{{Type: types.EventJoinRules}}, derr.Slots)
		require.NotNil(t, rs)
		id, _ := rs.Get(types.EventJoinRules, "")
		assert.Equal(t, change.EventID, id)
	})

	t.Run("with previous state", func(t *testing.T) {
		previous, err := r.Resolve(context.Background(), room, []types.EventID{tip.EventID}, nil)
		require.NoError(t, err)

		rs, err := r.Resolve(context.Background(), room, frontier, previous)
		var derr *DivergenceError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, previous.Version+1, rs.Version)
		id, _ := rs.Get(types.EventJoinRules, "")
		assert.Equal(t, jr.EventID, id)
	})
}

func TestResolveEmptyFrontier(t *testing.T) {
	rs, err := NewResolver(store.NewMemoryStore()).Resolve(context.Background(), room, nil, &RoomState{Version: 4})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rs.Version)
	assert.Empty(t, rs.Slots)
}

func TestResolveRejectsForeignFrontier(t *testing.T) {
	d := newDAG(t)
	d.base()
	s := d.load(d.events)
	frontier, err := s.Frontier(context.Background(), room)
	require.NoError(t, err)

	_, err = NewResolver(s).Resolve(context.Background(), "!other:a.example", frontier, nil)
	assert.Error(t, err)
}

func TestBoundedCacheGivesSameResult(t *testing.T) {
	d := newDAG(t)
	tip, _, _ := d.base()
	d.powerLevels(alice, map[types.UserID]int{alice: 100, bob: 0}, tip)
	d.joinRule(bob, types.JoinInvite, tip)
	s := d.load(d.events)

	unbounded, err := d.resolve(s)
	require.NoError(t, err)

	cache := NewCache(2)
	bounded, err := d.resolve(s, WithCache(cache))
	require.NoError(t, err)
	assert.Equal(t, unbounded.Slots, bounded.Slots)
	assert.LessOrEqual(t, cache.Len(), 2)
}

func TestAuthChain(t *testing.T) {
	d := newDAG(t)
	create := d.state(alice, types.EventCreate, "", types.CreateContent{Creator: alice})
	join := d.join(alice, create)
	join.AuthEvents = []types.EventID{create.EventID}
	id, err := codec.ComputeEventID(join)
	require.NoError(t, err)
	join.EventID = id

	msg := d.add(alice, types.EventMessage, nil, types.MessageContent{Body: "x"}, join)
	msg.AuthEvents = []types.EventID{create.EventID, join.EventID}
	id, err = codec.ComputeEventID(msg)
	require.NoError(t, err)
	msg.EventID = id

	s := d.load(d.events)
	chain, err := AuthChain(context.Background(), s, []types.EventID{msg.EventID})
	require.NoError(t, err)

	var ids []types.EventID
	for _, rec := range chain {
		ids = append(ids, rec.Event.EventID)
	}
	assert.Equal(t, []types.EventID{create.EventID, join.EventID, msg.EventID}, ids)
}

func TestRoomStateSameSlots(t *testing.T) {
	a := &RoomState{Slots: map[types.StateTuple]types.EventID{{Type: "x"}: "$1"}}
	b := &RoomState{Slots: map[types.StateTuple]types.EventID{{Type: "x"}: "$1"}}
	c := &RoomState{Slots: map[types.StateTuple]types.EventID{{Type: "x"}: "$2"}}
	assert.True(t, a.SameSlots(b))
	assert.False(t, a.SameSlots(c))
	assert.False(t, a.SameSlots(nil))
}

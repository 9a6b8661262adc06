package state

import (
	"context"
	"fmt"
	"sort"

	"concord/pkg/authz"
	"concord/pkg/store"
	"concord/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultMaxIterations bounds the re-validation loop of a single merge.
const DefaultMaxIterations = 16

// Loader reads stored events. store.Store satisfies it.
type Loader interface {
	Get(ctx context.Context, id types.EventID) (store.Record, error)
}

// Resolver computes state for any stored event or frontier. It is safe for
// concurrent use.
type Resolver struct {
	events        Loader
	cache         *Cache
	maxIterations int
	logger        *zap.Logger
	tracer        trace.Tracer
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMaxIterations sets the re-validation cap.
func WithMaxIterations(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

// WithCache shares a cache between resolvers.
func WithCache(c *Cache) Option {
	return func(r *Resolver) {
		if c != nil {
			r.cache = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver over events.
func NewResolver(events Loader, opts ...Option) *Resolver {
	r := &Resolver{
		events:        events,
		cache:         NewCache(0),
		maxIterations: DefaultMaxIterations,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("concord/pkg/state"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StateAfter returns the state after the event id.
func (r *Resolver) StateAfter(ctx context.Context, id types.EventID) (types.StateMap, error) {
	e, err := r.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.after, nil
}

// StateBefore returns the merged state of the event's parents.
func (r *Resolver) StateBefore(ctx context.Context, id types.EventID) (types.StateMap, error) {
	e, err := r.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.before, nil
}

// StateAtParents returns the state an event with the given prev_events is
// authored against. The event itself need not be stored, but every parent
// must be.
func (r *Resolver) StateAtParents(ctx context.Context, parents []types.EventID) (types.StateMap, error) {
	before, _, err := r.parentState(ctx, "", parents)
	return before, err
}

// Resolve computes the room state at frontier. previous, when given, supplies
// the version number and the fallback values for slots that fail to
// converge. On divergence the returned state is still usable and the error is
// a *DivergenceError.
func (r *Resolver) Resolve(ctx context.Context, room types.RoomID, frontier []types.EventID, previous *RoomState) (*RoomState, error) {
	ctx, span := r.tracer.Start(ctx, "state.Resolve", trace.WithAttributes(
		attribute.String("room_id", string(room)),
		attribute.Int("frontier", len(frontier)),
	))
	defer span.End()

	var (
		version  uint64 = 1
		fallback types.StateMap
	)
	if previous != nil {
		version = previous.Version + 1
		fallback = previous.State
	}

	tips := types.SortEventIDs(append([]types.EventID(nil), frontier...))
	if len(tips) == 0 {
		return newRoomState(room, version, nil, make(types.StateMap)), nil
	}

	states := make([]types.StateMap, 0, len(tips))
	for _, id := range tips {
		e, err := r.entry(ctx, id)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if e.event.RoomID != room {
			return nil, fmt.Errorf("frontier event %s belongs to room %s", id, e.event.RoomID)
		}
		states = append(states, e.after)
	}

	merged, diverged, err := r.merge(ctx, states, fallback)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	rs := newRoomState(room, version, tips, merged)
	if len(diverged) > 0 {
		derr := &DivergenceError{RoomID: room, Slots: diverged}
		span.RecordError(derr)
		r.logger.Warn("State resolution did not converge",
			zap.String("room_id", string(room)),
			zap.Int("slots", len(diverged)),
			zap.Error(derr))
		return rs, derr
	}
	return rs, nil
}

// entry returns the memoized entry for id, computing it and any uncached
// ancestors first. Ancestors are walked with an explicit stack so long
// linear histories do not recurse.
func (r *Resolver) entry(ctx context.Context, id types.EventID) (*entry, error) {
	if e, ok := r.cache.get(id); ok {
		return e, nil
	}

	type frame struct {
		id       types.EventID
		rec      store.Record
		expanded bool
	}
	stack := []*frame{{id: id}}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		if _, ok := r.cache.get(top.id); ok {
			stack = stack[:len(stack)-1]
			continue
		}
		if !top.expanded {
			rec, err := r.events.Get(ctx, top.id)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", top.id, err)
			}
			top.rec = rec
			top.expanded = true
			for _, parent := range rec.Event.PrevEvents {
				if _, ok := r.cache.get(parent); !ok {
					stack = append(stack, &frame{id: parent})
				}
			}
			continue
		}

		e, err := r.compute(ctx, top.rec)
		if err != nil {
			return nil, err
		}
		r.cache.put(top.id, e)
		stack = stack[:len(stack)-1]
		if top.id == id {
			return e, nil
		}
	}

	if e, ok := r.cache.get(id); ok {
		return e, nil
	}
	// Evicted while computing; the ancestors are warm now.
	rec, err := r.events.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return r.compute(ctx, rec)
}

// compute derives the entry for rec from its parents' entries.
func (r *Resolver) compute(ctx context.Context, rec store.Record) (*entry, error) {
	ev := rec.Event
	before, depth, err := r.parentState(ctx, ev.EventID, ev.PrevEvents)
	if err != nil {
		return nil, err
	}

	after := before
	if ev.IsState() && !rec.Rejected {
		if err := authz.Authorize(ev, before); err == nil {
			after = before.Clone()
			after[ev.Tuple()] = ev
		} else {
			r.logger.Debug("State event does not apply",
				zap.String("event_id", string(ev.EventID)),
				zap.String("reason", authz.Reason(err)))
		}
	}

	return &entry{event: ev, before: before, after: after, depth: depth}, nil
}

// parentState merges the states after parents and returns it with the depth
// a child of parents has.
func (r *Resolver) parentState(ctx context.Context, child types.EventID, parents []types.EventID) (types.StateMap, int, error) {
	parents = types.SortEventIDs(append([]types.EventID(nil), parents...))
	switch len(parents) {
	case 0:
		return make(types.StateMap), 0, nil
	case 1:
		p, err := r.entry(ctx, parents[0])
		if err != nil {
			return nil, 0, err
		}
		return p.after, p.depth + 1, nil
	}

	var depth int
	states := make([]types.StateMap, 0, len(parents))
	for _, pid := range parents {
		p, err := r.entry(ctx, pid)
		if err != nil {
			return nil, 0, err
		}
		states = append(states, p.after)
		if p.depth+1 > depth {
			depth = p.depth + 1
		}
	}
	merged, diverged, err := r.merge(ctx, states, nil)
	if err != nil {
		return nil, 0, err
	}
	if len(diverged) > 0 {
		r.logger.Warn("Intermediate merge did not converge",
			zap.String("event_id", string(child)),
			zap.Int("slots", len(diverged)))
	}
	return merged, depth, nil
}

type contest struct {
	tuple    types.StateTuple
	ranked   []*types.Event
	replaced *types.Event
	choice   int
}

// merge combines parent states. fallback, when non-nil, provides the values
// for slots that do not settle within the cap; otherwise the first-ranked
// candidate is kept.
func (r *Resolver) merge(ctx context.Context, states []types.StateMap, fallback types.StateMap) (types.StateMap, []types.StateTuple, error) {
	if len(states) == 1 {
		return states[0], nil, nil
	}

	merged := make(types.StateMap)
	candidates := make(map[types.StateTuple][]*types.Event)

	tuples := make(map[types.StateTuple]struct{})
	for _, s := range states {
		for t := range s {
			tuples[t] = struct{}{}
		}
	}
	for t := range tuples {
		var (
			vals   []*types.Event
			seen   = make(map[types.EventID]struct{})
			absent bool
		)
		for _, s := range states {
			ev, ok := s[t]
			if !ok {
				absent = true
				continue
			}
			if _, dup := seen[ev.EventID]; dup {
				continue
			}
			seen[ev.EventID] = struct{}{}
			vals = append(vals, ev)
		}
		if len(vals) == 1 && !absent {
			merged[t] = vals[0]
			continue
		}
		candidates[t] = vals
	}

	if len(candidates) == 0 {
		return merged, nil, nil
	}

	contests := make([]*contest, 0, len(candidates))
	for t, vals := range candidates {
		live, err := r.dropSuperseded(ctx, vals)
		if err != nil {
			return nil, nil, err
		}
		ranked, err := r.rank(ctx, live)
		if err != nil {
			return nil, nil, err
		}
		top, err := r.entry(ctx, ranked[0].EventID)
		if err != nil {
			return nil, nil, err
		}
		contests = append(contests, &contest{tuple: t, ranked: ranked, replaced: top.before[t]})
		merged[t] = ranked[0]
	}
	sort.Slice(contests, func(i, j int) bool {
		pi, pj := slotPriority(contests[i].tuple), slotPriority(contests[j].tuple)
		if pi != pj {
			return pi < pj
		}
		return contests[i].tuple.Less(contests[j].tuple)
	})

	var changed []*contest
	for iter := 0; iter < r.maxIterations; iter++ {
		changed = changed[:0]
		for _, c := range contests {
			if c.choice >= len(c.ranked) {
				continue
			}
			cand := c.ranked[c.choice]
			ok, err := r.holds(ctx, cand, c.tuple, merged)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				continue
			}
			c.choice++
			setSlot(merged, c.tuple, c.current())
			changed = append(changed, c)
		}
		if len(changed) == 0 {
			return merged, nil, nil
		}
	}

	// Cap reached with slots still moving.
	diverged := make([]types.StateTuple, 0, len(changed))
	for _, c := range changed {
		if fallback != nil {
			setSlot(merged, c.tuple, fallback[c.tuple])
		} else {
			setSlot(merged, c.tuple, c.ranked[0])
		}
		diverged = append(diverged, c.tuple)
	}
	sortByPriority(diverged)
	return merged, diverged, nil
}

// current is the contest's present value: the chosen candidate, or once all
// candidates failed, the value the top candidate replaced.
func (c *contest) current() *types.Event {
	if c.choice < len(c.ranked) {
		return c.ranked[c.choice]
	}
	return c.replaced
}

func setSlot(state types.StateMap, t types.StateTuple, ev *types.Event) {
	if ev == nil {
		delete(state, t)
		return
	}
	state[t] = ev
}

// holds re-validates cand against merged with its own slot rolled back to the
// value cand replaced.
func (r *Resolver) holds(ctx context.Context, cand *types.Event, t types.StateTuple, merged types.StateMap) (bool, error) {
	e, err := r.entry(ctx, cand.EventID)
	if err != nil {
		return false, err
	}
	test := merged.Clone()
	setSlot(test, t, e.before[t])
	return authz.Authorize(cand, test) == nil, nil
}

// dropSuperseded removes candidates that are ancestors of another candidate.
func (r *Resolver) dropSuperseded(ctx context.Context, cands []*types.Event) ([]*types.Event, error) {
	if len(cands) < 2 {
		return cands, nil
	}
	var live []*types.Event
	for i, a := range cands {
		superseded := false
		for j, b := range cands {
			if i == j {
				continue
			}
			anc, err := r.isAncestor(ctx, a.EventID, b.EventID)
			if err != nil {
				return nil, err
			}
			if anc {
				superseded = true
				break
			}
		}
		if !superseded {
			live = append(live, a)
		}
	}
	return live, nil
}

// isAncestor reports whether a is reachable from b through prev edges. Depth
// bounds the walk: nothing shallower than a can lead to a.
func (r *Resolver) isAncestor(ctx context.Context, a, b types.EventID) (bool, error) {
	ea, err := r.entry(ctx, a)
	if err != nil {
		return false, err
	}
	eb, err := r.entry(ctx, b)
	if err != nil {
		return false, err
	}
	if eb.depth <= ea.depth {
		return false, nil
	}

	seen := map[types.EventID]struct{}{b: {}}
	queue := []*entry{eb}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, pid := range cur.event.PrevEvents {
			if pid == a {
				return true, nil
			}
			if _, ok := seen[pid]; ok {
				continue
			}
			seen[pid] = struct{}{}
			pe, err := r.entry(ctx, pid)
			if err != nil {
				return false, err
			}
			if pe.depth > ea.depth {
				queue = append(queue, pe)
			}
		}
	}
	return false, nil
}

// rank orders candidates by sender level in the state they were authored
// against (desc), then origin_ts (asc), then event id (asc).
func (r *Resolver) rank(ctx context.Context, cands []*types.Event) ([]*types.Event, error) {
	levels := make(map[types.EventID]int, len(cands))
	for _, c := range cands {
		e, err := r.entry(ctx, c.EventID)
		if err != nil {
			return nil, err
		}
		levels[c.EventID] = authz.UserLevel(e.before, c.Sender)
	}

	out := append([]*types.Event(nil), cands...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if levels[a.EventID] != levels[b.EventID] {
			return levels[a.EventID] > levels[b.EventID]
		}
		if a.OriginTS != b.OriginTS {
			return a.OriginTS < b.OriginTS
		}
		return a.EventID < b.EventID
	})
	return out, nil
}

// AuthChain returns every event reachable from ids through auth edges,
// including ids themselves, ordered by stream position.
func AuthChain(ctx context.Context, events Loader, ids []types.EventID) ([]store.Record, error) {
	seen := make(map[types.EventID]struct{})
	var out []store.Record
	stack := append([]types.EventID(nil), ids...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		rec, err := events.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load auth event %s: %w", id, err)
		}
		out = append(out, rec)
		stack = append(stack, rec.Event.AuthEvents...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

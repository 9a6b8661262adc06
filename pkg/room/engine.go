// Package room owns per-room event processing: authoring local events,
// admitting remote ones, keeping each room's frontier and resolved state
// current, and fanning stored events out to subscribers.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"concord/pkg/codec"
	"concord/pkg/state"
	"concord/pkg/store"
	"concord/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxWriters bounds how many rooms may be written concurrently.
const DefaultMaxWriters = 64

// ErrUnknownRoom is returned for rooms the engine has no events for.
var ErrUnknownRoom = errors.New("unknown room")

// Observer receives engine outcomes, typically to export metrics.
type Observer interface {
	EventProcessed(room types.RoomID, status Status)
	StateDiverged(room types.RoomID, slots int)
}

type nopObserver struct{}

func (nopObserver) EventProcessed(types.RoomID, Status) {}
func (nopObserver) StateDiverged(types.RoomID, int)     {}

// Config wires an Engine to its collaborators.
type Config struct {
	ServerName types.ServerName
	SigningKey *codec.SigningKey
	Keys       codec.KeyLookup
	Store      store.Store

	// MaxWriters bounds concurrent room writers. Zero selects
	// DefaultMaxWriters.
	MaxWriters int64

	// MaxResolveIterations caps the resolver's re-validation loop. Zero
	// selects state.DefaultMaxIterations.
	MaxResolveIterations int

	// StateCacheSize bounds memoized per-event state. Zero is unbounded.
	StateCacheSize int

	Observer Observer
	Now      func() time.Time
}

// Engine is the room engine. It is safe for concurrent use; writes to one
// room are serialized while different rooms proceed in parallel.
type Engine struct {
	server   types.ServerName
	key      *codec.SigningKey
	keys     codec.KeyLookup
	store    store.Store
	resolver *state.Resolver
	cache    *state.Cache
	observer Observer
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer

	// Bounds concurrent room writers
	writers *semaphore.Weighted

	rooms     map[types.RoomID]*roomLane
	roomMutex sync.Mutex

	subs *hub
}

// roomLane is the single-writer lane of one room.
type roomLane struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[state.RoomState]

	// Redactions seen per target event, guarded by mu
	redactions map[types.EventID][]types.EventID
	loaded     bool
}

// New creates an engine.
func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := types.ValidateServerName(cfg.ServerName); err != nil {
		return nil, fmt.Errorf("invalid server name: %w", err)
	}
	if cfg.SigningKey == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("key lookup is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	maxWriters := cfg.MaxWriters
	if maxWriters <= 0 {
		maxWriters = DefaultMaxWriters
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	cache := state.NewCache(cfg.StateCacheSize)
	resolver := state.NewResolver(cfg.Store,
		state.WithMaxIterations(cfg.MaxResolveIterations),
		state.WithCache(cache),
		state.WithLogger(logger.Named("state")),
	)

	return &Engine{
		server:   cfg.ServerName,
		key:      cfg.SigningKey,
		keys:     cfg.Keys,
		store:    cfg.Store,
		resolver: resolver,
		cache:    cache,
		observer: observer,
		now:      now,
		logger:   logger,
		tracer:   otel.Tracer("concord/pkg/room"),
		writers:  semaphore.NewWeighted(maxWriters),
		rooms:    make(map[types.RoomID]*roomLane),
		subs:     newHub(logger),
	}, nil
}

// ServerName returns the name this engine signs events as.
func (e *Engine) ServerName() types.ServerName {
	return e.server
}

// Store exposes the underlying event log for read-only use.
func (e *Engine) Store() store.Store {
	return e.store
}

// Resolver exposes the engine's state resolver.
func (e *Engine) Resolver() *state.Resolver {
	return e.resolver
}

func (e *Engine) lane(room types.RoomID) *roomLane {
	e.roomMutex.Lock()
	defer e.roomMutex.Unlock()

	l, ok := e.rooms[room]
	if !ok {
		l = &roomLane{redactions: make(map[types.EventID][]types.EventID)}
		e.rooms[room] = l
	}
	return l
}

// lock acquires a writer slot and the room's lane. The returned function
// releases both.
func (e *Engine) lock(ctx context.Context, room types.RoomID) (*roomLane, func(), error) {
	l := e.lane(room)
	l.mu.Lock()
	if err := e.writers.Acquire(ctx, 1); err != nil {
		l.mu.Unlock()
		return nil, nil, err
	}
	if err := e.load(ctx, room, l); err != nil {
		l.mu.Unlock()
		e.writers.Release(1)
		return nil, nil, err
	}
	return l, func() {
		l.mu.Unlock()
		e.writers.Release(1)
	}, nil
}

// load rebuilds a room's snapshot and redaction index from the store the
// first time the room is touched. Callers hold l.mu.
func (e *Engine) load(ctx context.Context, room types.RoomID, l *roomLane) error {
	if l.loaded {
		return nil
	}

	frontier, err := e.store.Frontier(ctx, room)
	if err != nil {
		return fmt.Errorf("load frontier of %s: %w", room, err)
	}
	if len(frontier) > 0 {
		rs, err := e.resolver.Resolve(ctx, room, frontier, nil)
		var derr *state.DivergenceError
		if errors.As(err, &derr) {
			e.observer.StateDiverged(room, len(derr.Slots))
		} else if err != nil {
			return fmt.Errorf("resolve %s: %w", room, err)
		}
		l.snapshot.Store(rs)

		it := e.store.EventsSince(ctx, room, nil, 0)
		for it.Next() {
			rec := it.Record()
			if !rec.Rejected && rec.Event.Type == types.EventRedaction {
				l.indexRedaction(rec.Event)
			}
		}
		if err := it.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", room, err)
		}
	}

	l.loaded = true
	return nil
}

func (l *roomLane) indexRedaction(ev *types.Event) {
	c, err := types.ParseContent(ev.Type, ev.Content)
	if err != nil {
		return
	}
	target := c.(types.RedactionContent).Redacts
	l.redactions[target] = append(l.redactions[target], ev.EventID)
}

// advance recomputes the room's state after rec was accepted and publishes
// the new snapshot. Callers hold l.mu.
func (e *Engine) advance(ctx context.Context, l *roomLane, rec store.Record) error {
	ev := rec.Event
	if ev.Type == types.EventRedaction {
		l.indexRedaction(ev)
	}

	frontier, err := e.store.Frontier(ctx, ev.RoomID)
	if err != nil {
		return fmt.Errorf("load frontier of %s: %w", ev.RoomID, err)
	}

	prev := l.snapshot.Load()
	if extendsState(prev, ev, frontier) {
		l.snapshot.Store(prev.WithFrontier(frontier))
	} else {
		rs, err := e.resolver.Resolve(ctx, ev.RoomID, frontier, prev)
		var derr *state.DivergenceError
		if errors.As(err, &derr) {
			e.observer.StateDiverged(ev.RoomID, len(derr.Slots))
		} else if err != nil {
			return fmt.Errorf("resolve %s: %w", ev.RoomID, err)
		}

		// Versions only move when the selected state changes.
		if prev != nil && rs.SameSlots(prev) {
			rs.Version = prev.Version
		}
		l.snapshot.Store(rs)
	}

	e.subs.publish(Notification{
		Kind:     KindPDU,
		RoomID:   ev.RoomID,
		Event:    ev,
		Position: rec.Position,
	})
	return nil
}

// extendsState reports whether ev leaves prev's state untouched: it is not a
// state event and it is the new sole tip, built directly on every previous
// tip.
func extendsState(prev *state.RoomState, ev *types.Event, frontier []types.EventID) bool {
	if prev == nil || ev.IsState() {
		return false
	}
	if len(frontier) != 1 || frontier[0] != ev.EventID || len(ev.PrevEvents) != len(prev.Frontier) {
		return false
	}
	parents := make(map[types.EventID]struct{}, len(ev.PrevEvents))
	for _, id := range ev.PrevEvents {
		parents[id] = struct{}{}
	}
	for _, tip := range prev.Frontier {
		if _, ok := parents[tip]; !ok {
			return false
		}
	}
	return true
}

// snapshot returns the current published state of room, loading it if the
// room has not been touched since startup.
func (e *Engine) snapshot(ctx context.Context, room types.RoomID) (*state.RoomState, error) {
	l := e.lane(room)
	if rs := l.snapshot.Load(); rs != nil {
		return rs, nil
	}

	l.mu.Lock()
	err := e.load(ctx, room, l)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	rs := l.snapshot.Load()
	if rs == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	return rs, nil
}

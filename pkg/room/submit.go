package room

import (
	"context"
	"encoding/json"
	"fmt"

	"concord/pkg/authz"
	"concord/pkg/codec"
	"concord/pkg/store"
	"concord/pkg/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Draft is a locally authored event before the engine fills in its
// references, timestamp, id and signature.
type Draft struct {
	RoomID   types.RoomID
	Sender   types.UserID
	Type     types.EventType
	StateKey *string
	Content  json.RawMessage
}

// SubmitLocal authors an event on behalf of a local user. The event extends
// the room's whole frontier and cites the current state as its auth events.
// A denied draft returns a *authz.DeniedError and nothing is stored.
func (e *Engine) SubmitLocal(ctx context.Context, d Draft) (*types.Event, error) {
	ctx, span := e.tracer.Start(ctx, "room.SubmitLocal", trace.WithAttributes(
		attribute.String("room_id", string(d.RoomID)),
		attribute.String("type", string(d.Type)),
	))
	defer span.End()

	if !d.Sender.IsLocal(e.server) {
		return nil, fmt.Errorf("sender %s is not local to %s", d.Sender, e.server)
	}

	l, unlock, err := e.lock(ctx, d.RoomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur := l.snapshot.Load()
	if cur == nil && d.Type != types.EventCreate {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, d.RoomID)
	}
	if cur != nil && d.Type == types.EventCreate {
		return nil, fmt.Errorf("room %s already exists", d.RoomID)
	}

	ev := &types.Event{
		RoomID:       d.RoomID,
		OriginServer: e.server,
		Type:         d.Type,
		StateKey:     d.StateKey,
		Sender:       d.Sender,
		OriginTS:     e.now().UnixMilli(),
		Content:      d.Content,
	}
	var current types.StateMap
	if cur != nil {
		ev.PrevEvents = append([]types.EventID(nil), cur.Frontier...)
		current = cur.State
	}
	ev.AuthEvents = authz.AuthEventIDs(ev, current)

	if err := ev.ValidateShape(); err != nil {
		return nil, fmt.Errorf("invalid draft: %w", err)
	}
	if err := codec.SignEvent(ev, e.server, e.key); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	authEvents := make([]*types.Event, 0, len(ev.AuthEvents))
	for _, slot := range authz.RequiredAuthSlots(ev, current) {
		if ae, ok := current[slot]; ok {
			authEvents = append(authEvents, ae)
		}
	}
	snapshot, err := authz.AuthSnapshot(ev, authEvents)
	if err == nil {
		err = authz.Check(ev, snapshot)
	}
	if err != nil {
		span.RecordError(err)
		e.logger.Debug("Local event denied",
			zap.String("room_id", string(ev.RoomID)),
			zap.String("sender", string(ev.Sender)),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
		return nil, err
	}

	rec, err := e.store.Append(ctx, ev, store.Accepted)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("append %s: %w", ev.EventID, err)
	}
	if rec.Duplicate {
		return rec.Event, nil
	}
	e.observer.EventProcessed(ev.RoomID, StatusAccepted)

	if err := e.advance(ctx, l, rec); err != nil {
		span.RecordError(err)
		return nil, err
	}

	e.logger.Debug("Local event stored",
		zap.String("event_id", string(ev.EventID)),
		zap.String("room_id", string(ev.RoomID)),
		zap.String("type", string(ev.Type)),
		zap.Int64("position", int64(rec.Position)))
	return rec.Event, nil
}

// CreateOptions tunes the initial state of a new room.
type CreateOptions struct {
	// JoinRule is written as room.join_rules when set.
	JoinRule types.JoinRule

	// PowerLevels replaces the default of granting the creator level 100.
	PowerLevels *types.PowerLevelsContent
}

// CreateRoom creates a room owned by this server. The creator joins and the
// initial power levels and join rules are written before the room id is
// returned.
func (e *Engine) CreateRoom(ctx context.Context, creator types.UserID, opts CreateOptions) (types.RoomID, error) {
	room := types.NewRoomID(uuid.NewString(), e.server)

	pl := opts.PowerLevels
	if pl == nil {
		pl = &types.PowerLevelsContent{Users: map[types.UserID]int{creator: authz.DefaultCreatorLevel}}
	}

	drafts := []Draft{
		{Type: types.EventCreate, StateKey: types.StringPtr(""), Content: types.MustContent(types.CreateContent{Creator: creator})},
		{Type: types.EventMember, StateKey: types.StringPtr(string(creator)), Content: types.MustContent(types.MemberContent{Membership: types.MembershipJoined})},
		{Type: types.EventPowerLevels, StateKey: types.StringPtr(""), Content: types.MustContent(pl)},
	}
	if opts.JoinRule != "" {
		drafts = append(drafts, Draft{
			Type:     types.EventJoinRules,
			StateKey: types.StringPtr(""),
			Content:  types.MustContent(types.JoinRulesContent{JoinRule: opts.JoinRule}),
		})
	}

	for _, d := range drafts {
		d.RoomID = room
		d.Sender = creator
		if _, err := e.SubmitLocal(ctx, d); err != nil {
			return "", fmt.Errorf("create room: %s: %w", d.Type, err)
		}
	}

	e.logger.Info("Room created",
		zap.String("room_id", string(room)),
		zap.String("creator", string(creator)))
	return room, nil
}

// SetMembership is a convenience wrapper submitting a room.member event.
func (e *Engine) SetMembership(ctx context.Context, room types.RoomID, sender, target types.UserID, membership types.Membership) (*types.Event, error) {
	return e.SubmitLocal(ctx, Draft{
		RoomID:   room,
		Sender:   sender,
		Type:     types.EventMember,
		StateKey: types.StringPtr(string(target)),
		Content:  types.MustContent(types.MemberContent{Membership: membership}),
	})
}

package room

import (
	"context"
	"errors"
	"fmt"

	"concord/pkg/authz"
	"concord/pkg/codec"
	"concord/pkg/store"
	"concord/pkg/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the admission outcome of a remote event.
type Status int

const (
	StatusAccepted Status = iota
	StatusDeferred
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDeferred:
		return "deferred"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome describes what happened to a received event.
type Outcome struct {
	EventID types.EventID
	Status  Status

	// Missing lists unknown ancestors of a deferred event.
	Missing []types.EventID

	// Reason explains a rejection.
	Reason string

	// Stored is false for rejections that happened before the event could
	// be stored (malformed envelope, bad signature).
	Stored bool

	// Duplicate is set when the event had already been stored.
	Duplicate bool
}

func outcomeOf(rec store.Record) Outcome {
	out := Outcome{EventID: rec.Event.EventID, Status: StatusAccepted, Stored: true, Duplicate: rec.Duplicate}
	if rec.Rejected {
		out.Status = StatusRejected
		out.Reason = rec.RejectReason
	}
	return out
}

func refused(id types.EventID, reason string) Outcome {
	return Outcome{EventID: id, Status: StatusRejected, Reason: reason}
}

// ReceiveRemote admits an event received from another server. Events whose
// ancestors are unknown are deferred and not stored. Events failing
// authorization are stored as rejected so the DAG stays connected. The
// returned error is reserved for local failures; every verdict about the
// event itself is carried in the Outcome.
func (e *Engine) ReceiveRemote(ctx context.Context, ev *types.Event) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "room.ReceiveRemote", trace.WithAttributes(
		attribute.String("event_id", string(ev.EventID)),
		attribute.String("room_id", string(ev.RoomID)),
	))
	defer span.End()

	if err := ev.ValidateShape(); err != nil {
		return e.refuse(ev, fmt.Sprintf("malformed event: %v", err)), nil
	}

	id, err := codec.VerifyEvent(ev, e.keys)
	if err != nil {
		return e.refuse(ev, err.Error()), nil
	}
	if ev.EventID != "" && ev.EventID != id {
		return e.refuse(ev, fmt.Sprintf("event id does not match content hash %s", id)), nil
	}
	ev = ev.Clone()
	ev.EventID = id
	span.SetAttributes(attribute.String("event_id", string(id)))

	if rec, err := e.store.Get(ctx, id); err == nil {
		out := outcomeOf(rec)
		out.Duplicate = true
		return out, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, err
	}

	missing, err := e.store.MissingAncestors(ctx, ev)
	if errors.Is(err, store.ErrCrossRoom) {
		return e.refuse(ev, err.Error()), nil
	} else if err != nil {
		return Outcome{}, err
	}
	if len(missing) > 0 {
		return e.deferral(ev, missing), nil
	}

	l, unlock, err := e.lock(ctx, ev.RoomID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	verdict, err := e.authorizeRemote(ctx, ev)
	if err != nil {
		return Outcome{}, err
	}

	rec, err := e.store.Append(ctx, ev, verdict)
	var merr *store.MissingAncestorsError
	switch {
	case errors.As(err, &merr):
		return e.deferral(ev, merr.Missing), nil
	case errors.Is(err, store.ErrCrossRoom):
		return e.refuse(ev, err.Error()), nil
	case err != nil:
		span.RecordError(err)
		return Outcome{}, fmt.Errorf("append %s: %w", id, err)
	}
	if rec.Duplicate {
		return outcomeOf(rec), nil
	}

	out := outcomeOf(rec)
	e.observer.EventProcessed(ev.RoomID, out.Status)
	if rec.Rejected {
		e.logger.Warn("Remote event rejected",
			zap.String("event_id", string(id)),
			zap.String("room_id", string(ev.RoomID)),
			zap.String("origin", string(ev.OriginServer)),
			zap.String("sender", string(ev.Sender)),
			zap.String("reason", rec.RejectReason))
		return out, nil
	}

	if err := e.advance(ctx, l, rec); err != nil {
		span.RecordError(err)
		return Outcome{}, err
	}
	e.logger.Debug("Remote event accepted",
		zap.String("event_id", string(id)),
		zap.String("room_id", string(ev.RoomID)),
		zap.String("origin", string(ev.OriginServer)),
		zap.Int64("position", int64(rec.Position)))
	return out, nil
}

// authorizeRemote checks ev against the state its auth events describe and
// against the state its prev events lead to.
func (e *Engine) authorizeRemote(ctx context.Context, ev *types.Event) (store.Verdict, error) {
	authEvents := make([]*types.Event, 0, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			return store.Verdict{}, fmt.Errorf("load auth event %s: %w", id, err)
		}
		if rec.Rejected {
			return store.Rejected(fmt.Sprintf("auth event %s was rejected", id)), nil
		}
		authEvents = append(authEvents, rec.Event)
	}

	before, err := e.resolver.StateAtParents(ctx, ev.PrevEvents)
	if err != nil {
		return store.Verdict{}, fmt.Errorf("state before %s: %w", ev.EventID, err)
	}

	snapshot, err := authz.AuthSnapshot(ev, authEvents)
	if err == nil {
		err = authz.CheckAt(ev, snapshot, before)
	}
	if errors.Is(err, authz.ErrAuthDenied) {
		return store.Rejected(authz.Reason(err)), nil
	} else if err != nil {
		return store.Verdict{}, err
	}
	return store.Accepted, nil
}

func (e *Engine) refuse(ev *types.Event, reason string) Outcome {
	e.observer.EventProcessed(ev.RoomID, StatusRejected)
	e.logger.Warn("Remote event refused",
		zap.String("event_id", string(ev.EventID)),
		zap.String("origin", string(ev.OriginServer)),
		zap.String("reason", reason))
	return refused(ev.EventID, reason)
}

func (e *Engine) deferral(ev *types.Event, missing []types.EventID) Outcome {
	e.observer.EventProcessed(ev.RoomID, StatusDeferred)
	e.logger.Debug("Remote event deferred",
		zap.String("event_id", string(ev.EventID)),
		zap.String("room_id", string(ev.RoomID)),
		zap.Int("missing", len(missing)))
	return Outcome{EventID: ev.EventID, Status: StatusDeferred, Missing: missing}
}

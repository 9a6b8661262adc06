package federation

import (
	"context"
	"fmt"

	"concord/pkg/state"
	"concord/pkg/types"

	"go.uber.org/zap"
)

// RoomReader serves the read side of federation requests. *room.Engine
// satisfies it.
type RoomReader interface {
	Backfill(ctx context.Context, room types.RoomID, from []types.EventID, limit int) ([]*types.Event, error)
	StateSnapshot(ctx context.Context, room types.RoomID) (*state.RoomState, []*types.Event, error)
}

// API answers the federation endpoints. Transports decode requests and call
// into it.
type API struct {
	processor   *Processor
	rooms       RoomReader
	peers       *PeerTracker
	maxBackfill int
	logger      *zap.Logger
}

// NewAPI creates the endpoint handlers.
func NewAPI(processor *Processor, rooms RoomReader, peers *PeerTracker, cfg Config, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.BackfillLimit
	if limit <= 0 {
		limit = 100
	}
	return &API{processor: processor, rooms: rooms, peers: peers, maxBackfill: limit, logger: logger}
}

// OnTransaction ingests an inbound transaction.
func (a *API) OnTransaction(ctx context.Context, txn *Transaction) (*SendResponse, error) {
	res, err := a.processor.IngestTransaction(ctx, txn)
	if err != nil {
		return nil, err
	}
	if a.peers != nil {
		a.peers.RecordSuccess(txn.Origin)
	}
	resp := &SendResponse{Received: res.Received()}
	if len(res.Rejected) > 0 {
		resp.Rejected = res.Rejected
	}
	return resp, nil
}

// OnBackfill returns events preceding req.From, oldest first.
func (a *API) OnBackfill(ctx context.Context, req BackfillRequest) (*BackfillResponse, error) {
	if err := req.RoomID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: backfill: %v", ErrInvalidRequest, err)
	}
	if len(req.From) == 0 {
		return nil, fmt.Errorf("%w: backfill: from cannot be empty", ErrInvalidRequest)
	}
	limit := req.Limit
	if limit <= 0 || limit > a.maxBackfill {
		limit = a.maxBackfill
	}

	events, err := a.rooms.Backfill(ctx, req.RoomID, req.From, limit)
	if err != nil {
		return nil, err
	}
	return &BackfillResponse{PDUs: events}, nil
}

// OnState returns the room's current state ids and their auth chain.
func (a *API) OnState(ctx context.Context, req StateRequest) (*StateResponse, error) {
	if err := req.RoomID.Validate(); err != nil {
		return nil, fmt.Errorf("%w: state: %v", ErrInvalidRequest, err)
	}

	rs, chain, err := a.rooms.StateSnapshot(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	resp := &StateResponse{
		RoomID:    req.RoomID,
		StateIDs:  make([]types.EventID, 0, len(rs.Slots)),
		AuthChain: chain,
	}
	for _, id := range rs.Slots {
		resp.StateIDs = append(resp.StateIDs, id)
	}
	types.SortEventIDs(resp.StateIDs)
	for _, ev := range chain {
		resp.AuthChainIDs = append(resp.AuthChainIDs, ev.EventID)
	}
	return resp, nil
}

package federation

import (
	"errors"
	"fmt"

	"concord/pkg/types"
)

// Per-transaction limits.
const (
	DefaultMaxPDUs = 50
	DefaultMaxEDUs = 100
)

var (
	// ErrTransportTimeout is returned when a peer does not answer within the
	// request timeout. It is retryable.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrInvalidRequest marks requests rejected before any event was
	// looked at.
	ErrInvalidRequest = errors.New("invalid request")
)

// TransactionID identifies a transaction sent from one server to another. It
// only needs to be unique per origin and destination.
type TransactionID string

// Transaction pushes events from one server to another.
type Transaction struct {
	ID          TransactionID    `json:"transaction_id"`
	Origin      types.ServerName `json:"origin"`
	Destination types.ServerName `json:"destination"`
	OriginTS    int64            `json:"origin_server_ts"`
	PDUs        []*types.Event   `json:"pdus"`
	EDUs        []types.EDU      `json:"edus,omitempty"`
}

// Validate checks the envelope and per-transaction limits.
func (t *Transaction) Validate(maxPDUs, maxEDUs int) error {
	if t.ID == "" {
		return fmt.Errorf("transaction id cannot be empty")
	}
	if err := types.ValidateServerName(t.Origin); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if maxPDUs > 0 && len(t.PDUs) > maxPDUs {
		return fmt.Errorf("transaction carries %d pdus, limit is %d", len(t.PDUs), maxPDUs)
	}
	if maxEDUs > 0 && len(t.EDUs) > maxEDUs {
		return fmt.Errorf("transaction carries %d edus, limit is %d", len(t.EDUs), maxEDUs)
	}
	for i, pdu := range t.PDUs {
		if pdu == nil {
			return fmt.Errorf("pdu %d is null", i)
		}
	}
	return nil
}

// Result reports the outcome of every PDU in a transaction.
type Result struct {
	Accepted []types.EventID          `json:"accepted"`
	Deferred []types.EventID          `json:"deferred"`
	Rejected map[types.EventID]string `json:"rejected"`
}

// Received lists the ids the sender no longer needs to retry: accepted
// events and events this server has taken responsibility for fetching the
// ancestors of.
func (r *Result) Received() []types.EventID {
	out := make([]types.EventID, 0, len(r.Accepted)+len(r.Deferred))
	out = append(out, r.Accepted...)
	out = append(out, r.Deferred...)
	return out
}

// SendResponse is the answer to a transaction.
type SendResponse struct {
	Received []types.EventID          `json:"received"`
	Rejected map[types.EventID]string `json:"rejected,omitempty"`
}

// BackfillRequest asks for events preceding From.
type BackfillRequest struct {
	RoomID types.RoomID    `json:"room_id"`
	From   []types.EventID `json:"from"`
	Limit  int             `json:"limit"`
}

// BackfillResponse carries backfilled events, oldest first.
type BackfillResponse struct {
	PDUs []*types.Event `json:"pdus"`
}

// StateRequest asks for a room's current state.
type StateRequest struct {
	RoomID types.RoomID `json:"room_id"`
}

// StateResponse carries a room's state ids and the auth chain that proves
// them. AuthChain holds the events themselves, ordered so every event
// follows its auth events.
type StateResponse struct {
	RoomID       types.RoomID    `json:"room_id"`
	StateIDs     []types.EventID `json:"state_ids"`
	AuthChainIDs []types.EventID `json:"auth_chain_ids"`
	AuthChain    []*types.Event  `json:"auth_chain"`
}

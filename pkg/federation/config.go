package federation

import (
	"context"
	"time"

	"concord/pkg/room"
	"concord/pkg/store"
	"concord/pkg/types"
)

// Config tunes the federation components.
type Config struct {
	ServerName types.ServerName

	MaxPDUs int
	MaxEDUs int

	// Inbound backfill
	RetryAttempts  int
	Backoff        Backoff
	RequestTimeout time.Duration
	BackfillLimit  int
	SweepInterval  time.Duration

	// Outbound delivery
	SendInterval     time.Duration
	MaxParallelSends int

	// RememberedTransactions bounds the replay cache of inbound results.
	RememberedTransactions int

	// MaxWaitingPerOrigin bounds deferred events buffered per origin for
	// replay. Zero is unbounded.
	MaxWaitingPerOrigin int
}

// DefaultConfig returns the defaults for server.
func DefaultConfig(server types.ServerName) Config {
	return Config{
		ServerName:             server,
		MaxPDUs:                DefaultMaxPDUs,
		MaxEDUs:                DefaultMaxEDUs,
		RetryAttempts:          8,
		Backoff:                DefaultBackoff,
		RequestTimeout:         10 * time.Second,
		BackfillLimit:          100,
		SweepInterval:          time.Second,
		SendInterval:           time.Second,
		MaxParallelSends:       8,
		RememberedTransactions: 1024,
		MaxWaitingPerOrigin:    1024,
	}
}

func (c Config) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

// Engine is the part of the room engine the processor drives.
// *room.Engine satisfies it.
type Engine interface {
	ReceiveRemote(ctx context.Context, ev *types.Event) (room.Outcome, error)
	PublishEDU(edu types.EDU)
	Store() store.Store
}

// Transport carries federation requests to other servers.
type Transport interface {
	SendTransaction(ctx context.Context, dest types.ServerName, txn *Transaction) (*SendResponse, error)
	Backfill(ctx context.Context, dest types.ServerName, req BackfillRequest) ([]*types.Event, error)
	State(ctx context.Context, dest types.ServerName, req StateRequest) (*StateResponse, error)
}

package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"concord/pkg/store"
	"concord/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownTransaction is returned when acknowledging a transaction that is
// not in flight.
var ErrUnknownTransaction = errors.New("unknown transaction")

// RoomSource is what the outbox reads rooms from. *room.Engine satisfies
// it.
type RoomSource interface {
	Rooms(ctx context.Context) ([]types.RoomID, error)
	Servers(ctx context.Context, room types.RoomID) ([]types.ServerName, error)
	Store() store.Store
}

type flight struct {
	txn     *Transaction
	cursors map[types.RoomID]store.Position
}

// Outbox batches locally authored events per destination. Progress is
// tracked as a per destination, per room stream cursor stored alongside the
// events, so acknowledged events are never sent again.
type Outbox struct {
	rooms   RoomSource
	server  types.ServerName
	maxPDUs int
	maxEDUs int
	now     func() time.Time
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[types.ServerName]*flight
	edus     map[types.ServerName][]types.EDU
}

// NewOutbox creates an outbox for cfg.ServerName.
func NewOutbox(rooms RoomSource, cfg Config, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxPDUs, maxEDUs := cfg.MaxPDUs, cfg.MaxEDUs
	if maxPDUs <= 0 {
		maxPDUs = DefaultMaxPDUs
	}
	if maxEDUs <= 0 {
		maxEDUs = DefaultMaxEDUs
	}
	return &Outbox{
		rooms:    rooms,
		server:   cfg.ServerName,
		maxPDUs:  maxPDUs,
		maxEDUs:  maxEDUs,
		now:      time.Now,
		logger:   logger,
		inflight: make(map[types.ServerName]*flight),
		edus:     make(map[types.ServerName][]types.EDU),
	}
}

// QueueEDU queues an ephemeral event for dest. When the queue is full the
// oldest EDU is dropped.
func (o *Outbox) QueueEDU(dest types.ServerName, edu types.EDU) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := append(o.edus[dest], edu)
	if limit := o.maxEDUs * 10; len(q) > limit {
		q = q[len(q)-limit:]
	}
	o.edus[dest] = q
}

// Destinations returns every remote server that shares a room with this
// server or has outbound work queued, sorted by name.
func (o *Outbox) Destinations(ctx context.Context) ([]types.ServerName, error) {
	rooms, err := o.rooms.Rooms(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[types.ServerName]struct{})
	for _, r := range rooms {
		servers, err := o.rooms.Servers(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("servers of %s: %w", r, err)
		}
		for _, s := range servers {
			seen[s] = struct{}{}
		}
	}

	o.mu.Lock()
	for s := range o.inflight {
		seen[s] = struct{}{}
	}
	for s, q := range o.edus {
		if len(q) > 0 {
			seen[s] = struct{}{}
		}
	}
	o.mu.Unlock()

	delete(seen, o.server)
	out := make([]types.ServerName, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DrainOutbox returns the next transaction for dest, or nil when there is
// nothing to send. Until it is acknowledged the same transaction is returned
// on every call.
func (o *Outbox) DrainOutbox(ctx context.Context, dest types.ServerName) (*Transaction, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inflight[dest]; ok {
		return f.txn, nil
	}

	rooms, err := o.rooms.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	events := o.rooms.Store()

	var pdus []*types.Event
	cursors := make(map[types.RoomID]store.Position)
	for _, r := range rooms {
		if len(pdus) >= o.maxPDUs {
			break
		}
		servers, err := o.rooms.Servers(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("servers of %s: %w", r, err)
		}
		if !containsServer(servers, dest) {
			continue
		}

		cursor, err := events.Cursor(ctx, dest, r)
		if err != nil {
			return nil, err
		}
		last := cursor
		it := events.EventsSince(ctx, r, nil, cursor)
		for len(pdus) < o.maxPDUs && it.Next() {
			rec := it.Record()
			last = rec.Position
			if rec.Rejected || rec.Event.OriginServer != o.server {
				continue
			}
			pdus = append(pdus, rec.Event)
		}
		if err := it.Err(); err != nil {
			return nil, fmt.Errorf("scan %s: %w", r, err)
		}
		if last > cursor {
			cursors[r] = last
		}
	}

	var edus []types.EDU
	if q := o.edus[dest]; len(q) > 0 {
		n := min(len(q), o.maxEDUs)
		edus = append(edus, q[:n]...)
		o.edus[dest] = q[n:]
	}

	if len(pdus) == 0 && len(edus) == 0 {
		// Only foreign or rejected events were scanned; skip past them.
		for r, pos := range cursors {
			if err := events.AckCursor(ctx, dest, r, pos); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	txn := &Transaction{
		ID:          TransactionID(uuid.NewString()),
		Origin:      o.server,
		Destination: dest,
		OriginTS:    o.now().UnixMilli(),
		PDUs:        pdus,
		EDUs:        edus,
	}
	o.inflight[dest] = &flight{txn: txn, cursors: cursors}
	o.logger.Debug("Drained outbox",
		zap.String("destination", string(dest)),
		zap.String("transaction_id", string(txn.ID)),
		zap.Int("pdus", len(pdus)),
		zap.Int("edus", len(edus)))
	return txn, nil
}

// Ack records that dest received the in-flight transaction id.
func (o *Outbox) Ack(ctx context.Context, dest types.ServerName, id TransactionID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.inflight[dest]
	if !ok || f.txn.ID != id {
		return fmt.Errorf("%w: %s to %s", ErrUnknownTransaction, id, dest)
	}
	events := o.rooms.Store()
	for r, pos := range f.cursors {
		if err := events.AckCursor(ctx, dest, r, pos); err != nil {
			return err
		}
	}
	delete(o.inflight, dest)
	return nil
}

// InFlight returns the unacknowledged transaction for dest, if any.
func (o *Outbox) InFlight(dest types.ServerName) *Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.inflight[dest]; ok {
		return f.txn
	}
	return nil
}

func containsServer(servers []types.ServerName, s types.ServerName) bool {
	for _, v := range servers {
		if v == s {
			return true
		}
	}
	return false
}

package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"concord/pkg/codec"
	"concord/pkg/room"
	"concord/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var knownEDUs = map[string]bool{
	types.EDUTyping:   true,
	types.EDUPresence: true,
	types.EDUReceipt:  true,
}

type txnKey struct {
	origin types.ServerName
	id     TransactionID
}

// waiter is a deferred event buffered until one of its missing ancestors is
// stored.
type waiter struct {
	origin types.ServerName
	event  *types.Event
}

// blockedOn is where a buffered event is indexed in Processor.waiting.
type blockedOn struct {
	origin  types.ServerName
	missing []types.EventID
	seq     uint64
}

// Processor ingests inbound transactions.
type Processor struct {
	engine    Engine
	scheduler *BackfillScheduler
	transport Transport
	metrics   *Metrics
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer

	// Buffered dependents keyed by the missing id they wait on, and the
	// reverse index used to unlink them
	waiting   map[types.EventID]map[types.EventID]waiter
	blocked   map[types.EventID]blockedOn
	perOrigin map[types.ServerName]int
	waitSeq   uint64
	waitMutex sync.Mutex

	// Replay cache of inbound transaction results
	results     map[txnKey]*Result
	resultOrder []txnKey
	resultMutex sync.Mutex
}

// NewProcessor creates a processor and its backfill scheduler.
func NewProcessor(engine Engine, transport Transport, cfg Config, metrics *Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		engine:    engine,
		transport: transport,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("concord/pkg/federation"),
		waiting:   make(map[types.EventID]map[types.EventID]waiter),
		blocked:   make(map[types.EventID]blockedOn),
		perOrigin: make(map[types.ServerName]int),
		results:   make(map[txnKey]*Result),
	}
	p.scheduler = newBackfillScheduler(p, transport, cfg, metrics, logger.Named("backfill"))
	return p
}

// Scheduler returns the processor's backfill scheduler.
func (p *Processor) Scheduler() *BackfillScheduler {
	return p.scheduler
}

// IngestTransaction admits every PDU of txn and publishes its EDUs. A
// transaction that was already ingested returns the remembered result. The
// error is reserved for invalid transactions and local failures; per-event
// verdicts are in the Result.
func (p *Processor) IngestTransaction(ctx context.Context, txn *Transaction) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "federation.IngestTransaction", trace.WithAttributes(
		attribute.String("origin", string(txn.Origin)),
		attribute.String("transaction_id", string(txn.ID)),
		attribute.Int("pdus", len(txn.PDUs)),
		attribute.Int("edus", len(txn.EDUs)),
	))
	defer span.End()

	if err := txn.Validate(p.cfg.MaxPDUs, p.cfg.MaxEDUs); err != nil {
		return nil, fmt.Errorf("%w: transaction: %v", ErrInvalidRequest, err)
	}

	key := txnKey{origin: txn.Origin, id: txn.ID}
	if res, ok := p.remembered(key); ok {
		p.logger.Debug("Transaction already ingested",
			zap.String("origin", string(txn.Origin)),
			zap.String("transaction_id", string(txn.ID)))
		return res, nil
	}
	if p.metrics != nil {
		p.metrics.TransactionsReceived.Inc()
	}

	res, err := p.admitAll(ctx, txn.Origin, txn.PDUs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	for _, edu := range txn.EDUs {
		if !knownEDUs[edu.Type] {
			p.logger.Debug("Ignoring unknown EDU",
				zap.String("origin", string(txn.Origin)),
				zap.String("type", edu.Type))
			continue
		}
		edu.Origin = txn.Origin
		p.engine.PublishEDU(edu)
		if p.metrics != nil {
			p.metrics.EDUs.WithLabelValues(edu.Type).Inc()
		}
	}

	p.remember(key, res)
	p.logger.Debug("Transaction ingested",
		zap.String("origin", string(txn.Origin)),
		zap.String("transaction_id", string(txn.ID)),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("deferred", len(res.Deferred)),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}

// admitAll admits events in order, skipping repeats, and reports each
// event's final outcome. Events deferred early in the batch and admitted once
// a later event filled their gap are reported as accepted.
func (p *Processor) admitAll(ctx context.Context, origin types.ServerName, events []*types.Event) (*Result, error) {
	res := &Result{Rejected: make(map[types.EventID]string)}
	outcomes := make(map[types.EventID]room.Outcome)
	var order []types.EventID
	for _, ev := range events {
		id, err := codec.ComputeEventID(ev)
		if err != nil {
			res.Rejected[ev.EventID] = fmt.Sprintf("malformed event: %v", err)
			continue
		}
		if _, dup := outcomes[id]; dup {
			continue
		}

		root, replayed, err := p.admit(ctx, origin, ev)
		if err != nil {
			return nil, err
		}
		outcomes[id] = root
		order = append(order, id)
		for rid, o := range replayed {
			if _, ok := outcomes[rid]; ok {
				outcomes[rid] = o
			}
		}
	}

	for _, id := range order {
		o := outcomes[id]
		switch o.Status {
		case room.StatusAccepted:
			res.Accepted = append(res.Accepted, id)
		case room.StatusDeferred:
			res.Deferred = append(res.Deferred, id)
		default:
			res.Rejected[id] = o.Reason
		}
	}
	return res, nil
}

// admit runs ev through the engine. Once an event is stored, buffered
// dependents waiting on it are replayed; their outcomes are returned keyed
// by id alongside ev's own.
func (p *Processor) admit(ctx context.Context, origin types.ServerName, ev *types.Event) (room.Outcome, map[types.EventID]room.Outcome, error) {
	var root room.Outcome
	replayed := make(map[types.EventID]room.Outcome)

	queue := []waiter{{origin: origin, event: ev}}
	for i := 0; len(queue) > 0; i++ {
		w := queue[0]
		queue = queue[1:]

		out, err := p.engine.ReceiveRemote(ctx, w.event)
		if err != nil {
			return root, replayed, err
		}
		if i == 0 {
			root = out
		} else {
			replayed[out.EventID] = out
		}

		switch {
		case out.Status == room.StatusDeferred:
			p.wait(w, out.EventID, out.Missing)
			p.scheduler.Defer(w.origin, w.event, out.Missing)
		case out.Stored:
			p.unwait(out.EventID)
			p.scheduler.resolved(out.EventID)
			queue = append(queue, p.release(out.EventID)...)
		default:
			p.unwait(out.EventID)
		}
	}
	return root, replayed, nil
}

// wait buffers w under each id it is missing. Each origin holds at most
// MaxWaitingPerOrigin buffered events; the oldest gives way first and is left
// to the backfill scheduler.
func (p *Processor) wait(w waiter, id types.EventID, missing []types.EventID) {
	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()

	p.unwaitLocked(id)
	if limit := p.cfg.MaxWaitingPerOrigin; limit > 0 {
		for p.perOrigin[w.origin] >= limit {
			p.evictOldestLocked(w.origin)
		}
	}

	for _, m := range missing {
		deps, ok := p.waiting[m]
		if !ok {
			deps = make(map[types.EventID]waiter)
			p.waiting[m] = deps
		}
		deps[id] = w
	}
	p.waitSeq++
	p.blocked[id] = blockedOn{
		origin:  w.origin,
		missing: append([]types.EventID(nil), missing...),
		seq:     p.waitSeq,
	}
	p.perOrigin[w.origin]++
}

// unwait forgets the buffered copy of id, if any.
func (p *Processor) unwait(id types.EventID) {
	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()
	p.unwaitLocked(id)
}

func (p *Processor) unwaitLocked(id types.EventID) {
	b, ok := p.blocked[id]
	if !ok {
		return
	}
	delete(p.blocked, id)
	for _, m := range b.missing {
		if deps, ok := p.waiting[m]; ok {
			delete(deps, id)
			if len(deps) == 0 {
				delete(p.waiting, m)
			}
		}
	}
	p.perOrigin[b.origin]--
	if p.perOrigin[b.origin] <= 0 {
		delete(p.perOrigin, b.origin)
	}
}

func (p *Processor) evictOldestLocked(origin types.ServerName) {
	var (
		oldest types.EventID
		seq    uint64
		found  bool
	)
	for id, b := range p.blocked {
		if b.origin == origin && (!found || b.seq < seq) {
			oldest, seq, found = id, b.seq, true
		}
	}
	if !found {
		delete(p.perOrigin, origin)
		return
	}
	p.unwaitLocked(oldest)
	p.logger.Debug("Dropped buffered dependent",
		zap.String("event_id", string(oldest)),
		zap.String("origin", string(origin)))
}

// release pops the dependents waiting on id, in id order. Popped events are
// unlinked from every other id they were waiting on.
func (p *Processor) release(id types.EventID) []waiter {
	p.waitMutex.Lock()
	deps := p.waiting[id]
	delete(p.waiting, id)
	for dep := range deps {
		p.unwaitLocked(dep)
	}
	p.waitMutex.Unlock()

	ids := make([]types.EventID, 0, len(deps))
	for dep := range deps {
		ids = append(ids, dep)
	}
	types.SortEventIDs(ids)

	out := make([]waiter, len(ids))
	for i, dep := range ids {
		out[i] = deps[dep]
	}
	return out
}

// Waiting returns how many missing ids have buffered dependents.
func (p *Processor) Waiting() int {
	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()
	return len(p.waiting)
}

// Buffered returns how many deferred events are held for replay.
func (p *Processor) Buffered() int {
	p.waitMutex.Lock()
	defer p.waitMutex.Unlock()
	return len(p.blocked)
}

func (p *Processor) remembered(key txnKey) (*Result, bool) {
	p.resultMutex.Lock()
	defer p.resultMutex.Unlock()
	res, ok := p.results[key]
	return res, ok
}

func (p *Processor) remember(key txnKey, res *Result) {
	p.resultMutex.Lock()
	defer p.resultMutex.Unlock()

	if _, ok := p.results[key]; ok {
		return
	}
	p.results[key] = res
	if p.cfg.RememberedTransactions <= 0 {
		return
	}
	p.resultOrder = append(p.resultOrder, key)
	for len(p.resultOrder) > p.cfg.RememberedTransactions {
		delete(p.results, p.resultOrder[0])
		p.resultOrder = p.resultOrder[1:]
	}
}

// FetchState asks dest for a room's state and admits its auth chain. It is
// how a server catches up on a room it has no history for; gaps in the
// chain's prev edges are left to the backfill scheduler.
func (p *Processor) FetchState(ctx context.Context, dest types.ServerName, roomID types.RoomID) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "federation.FetchState", trace.WithAttributes(
		attribute.String("destination", string(dest)),
		attribute.String("room_id", string(roomID)),
	))
	defer span.End()

	reqCtx, cancel := p.cfg.requestContext(ctx)
	defer cancel()
	resp, err := p.transport.State(reqCtx, dest, StateRequest{RoomID: roomID})
	if err != nil {
		span.RecordError(err)
		return nil, wrapTimeout(reqCtx, err)
	}

	var events []*types.Event
	for _, ev := range resp.AuthChain {
		if ev != nil && ev.RoomID == roomID {
			events = append(events, ev)
		}
	}
	// Out of order events are buffered until their ancestors arrive.
	return p.admitAll(ctx, dest, events)
}

func wrapTimeout(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransportTimeout, err)
	}
	return err
}

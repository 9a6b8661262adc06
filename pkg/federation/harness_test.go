package federation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"concord/pkg/codec"
	"concord/pkg/room"
	"concord/pkg/store"
	"concord/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	serverA = types.ServerName("a.example")
	serverB = types.ServerName("b.example")
)

var (
	alice = types.NewUserID("alice", serverA)
	bob   = types.NewUserID("bob", serverB)
)

type fakeClock struct{ ms atomic.Int64 }

func (c *fakeClock) now() time.Time {
	return time.UnixMilli(1_700_000_000_000 + c.ms.Load())
}

func (c *fakeClock) tick() time.Time {
	return time.UnixMilli(1_700_000_000_000 + c.ms.Add(1))
}

func (c *fakeClock) advance(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}

// network is an in-process Transport routing requests straight to each
// server's API.
type network struct {
	mu          sync.Mutex
	apis        map[types.ServerName]*API
	sendErr     map[types.ServerName]error
	backfillErr map[types.ServerName]error
	sends       map[types.ServerName]int
	backfills   int
}

func newNetwork() *network {
	return &network{
		apis:        make(map[types.ServerName]*API),
		sendErr:     make(map[types.ServerName]error),
		backfillErr: make(map[types.ServerName]error),
		sends:       make(map[types.ServerName]int),
	}
}

func (n *network) api(dest types.ServerName) (*API, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.apis[dest]
	if !ok {
		return nil, fmt.Errorf("no route to %s", dest)
	}
	return a, nil
}

func (n *network) SendTransaction(ctx context.Context, dest types.ServerName, txn *Transaction) (*SendResponse, error) {
	n.mu.Lock()
	n.sends[dest]++
	err := n.sendErr[dest]
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	a, err := n.api(dest)
	if err != nil {
		return nil, err
	}
	return a.OnTransaction(ctx, txn)
}

func (n *network) Backfill(ctx context.Context, dest types.ServerName, req BackfillRequest) ([]*types.Event, error) {
	n.mu.Lock()
	n.backfills++
	err := n.backfillErr[dest]
	n.mu.Unlock()
	if err != nil {
		return nil, err
	}
	a, err := n.api(dest)
	if err != nil {
		return nil, err
	}
	resp, err := a.OnBackfill(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.PDUs, nil
}

func (n *network) State(ctx context.Context, dest types.ServerName, req StateRequest) (*StateResponse, error) {
	a, err := n.api(dest)
	if err != nil {
		return nil, err
	}
	return a.OnState(ctx, req)
}

func (n *network) failSends(dest types.ServerName, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sendErr[dest] = err
}

func (n *network) failBackfills(dest types.ServerName, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.backfillErr[dest] = err
}

func (n *network) sendCount(dest types.ServerName) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sends[dest]
}

type fedNode struct {
	server    types.ServerName
	store     *store.MemoryStore
	engine    *room.Engine
	registry  *prometheus.Registry
	metrics   *Metrics
	peers     *PeerTracker
	processor *Processor
	outbox    *Outbox
	sender    *Sender
	api       *API
}

type federation struct {
	t     *testing.T
	net   *network
	clock *fakeClock
	nodes map[types.ServerName]*fedNode
}

func testConfig(server types.ServerName) Config {
	cfg := DefaultConfig(server)
	cfg.RetryAttempts = 3
	cfg.Backoff = Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, rand: func() float64 { return 0.5 }}
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func newFederation(t *testing.T, servers ...types.ServerName) *federation {
	t.Helper()
	f := &federation{t: t, net: newNetwork(), clock: &fakeClock{}, nodes: make(map[types.ServerName]*fedNode)}
	ring := codec.NewKeyRing()
	logger := zaptest.NewLogger(t)

	for _, s := range servers {
		key, err := codec.GenerateSigningKey("t1")
		require.NoError(t, err)
		require.NoError(t, ring.AddSigningKey(s, key))

		n := &fedNode{server: s, store: store.NewMemoryStore(), registry: prometheus.NewRegistry()}
		n.metrics = NewMetrics(n.registry)
		n.engine, err = room.New(room.Config{
			ServerName: s,
			SigningKey: key,
			Keys:       ring,
			Store:      n.store,
			Observer:   n.metrics,
			Now:        f.clock.tick,
		}, logger.Named(string(s)))
		require.NoError(t, err)

		cfg := testConfig(s)
		n.peers = NewPeerTracker(2, 3, time.Minute, logger)
		n.peers.now = f.clock.now
		n.processor = NewProcessor(n.engine, f.net, cfg, n.metrics, logger)
		n.processor.Scheduler().now = f.clock.now
		n.outbox = NewOutbox(n.engine, cfg, logger)
		n.outbox.now = f.clock.now
		n.sender = NewSender(n.outbox, f.net, n.peers, cfg, n.metrics, logger)
		n.api = NewAPI(n.processor, n.engine, n.peers, cfg, logger)

		f.net.apis[s] = n.api
		f.nodes[s] = n
	}
	return f
}

func (f *federation) node(s types.ServerName) *fedNode {
	return f.nodes[s]
}

func (f *federation) message(s types.ServerName, roomID types.RoomID, sender types.UserID, body string) *types.Event {
	f.t.Helper()
	ev, err := f.nodes[s].engine.SubmitLocal(context.Background(), room.Draft{
		RoomID:  roomID,
		Sender:  sender,
		Type:    types.EventMessage,
		Content: types.MustContent(types.MessageContent{Body: body}),
	})
	require.NoError(f.t, err)
	return ev
}

func (f *federation) events(s types.ServerName, roomID types.RoomID) []*types.Event {
	f.t.Helper()
	recs, err := store.Collect(f.nodes[s].store.EventsSince(context.Background(), roomID, nil, 0))
	require.NoError(f.t, err)
	out := make([]*types.Event, len(recs))
	for i, rec := range recs {
		out[i] = rec.Event
	}
	return out
}

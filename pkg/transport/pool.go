package transport

import (
	"crypto/tls"
	"fmt"
	"sort"
	"sync"
	"time"

	"concord/pkg/types"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ErrCircuitOpen is returned for destinations whose circuit breaker is open.
var ErrCircuitOpen = status.Error(codes.Unavailable, "circuit breaker open")

// CircuitState represents the circuit breaker state
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	// TLS is the client config; nil dials in plaintext.
	TLS *tls.Config

	FailureThreshold    int
	Cooldown            time.Duration
	IdleTimeout         time.Duration
	MaintenanceInterval time.Duration

	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

func (c *PoolConfig) setDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
}

// Pool keeps one client connection per destination server.
type Pool struct {
	mu          sync.Mutex
	connections map[types.ServerName]*pooledConn
	cfg         PoolConfig
	now         func() time.Time
	logger      *zap.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

type pooledConn struct {
	conn     *grpc.ClientConn
	addr     string
	created  time.Time
	lastUsed time.Time
	useCount int64

	// Circuit breaker state
	failures     int
	lastFailure  time.Time
	circuitState CircuitState
}

// ConnStats describes one pooled connection.
type ConnStats struct {
	Server   types.ServerName
	Address  string
	State    string
	Circuit  CircuitState
	Failures int
	Uses     int64
	Created  time.Time
}

// NewPool creates a pool and starts its maintenance loop.
func NewPool(cfg PoolConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()

	p := &Pool{
		connections: make(map[types.ServerName]*pooledConn),
		cfg:         cfg,
		now:         time.Now,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go p.maintainConnections()
	return p
}

// Get returns the connection to server at addr, creating it on first use.
func (p *Pool) Get(server types.ServerName, addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.connections[server]
	if ok && pc.addr != addr {
		// Address changed; start over.
		pc.conn.Close()
		delete(p.connections, server)
		ok = false
	}
	if ok {
		if pc.circuitState == CircuitOpen {
			if p.now().Sub(pc.lastFailure) < p.cfg.Cooldown {
				return nil, ErrCircuitOpen
			}
			pc.circuitState = CircuitHalfOpen
			p.logger.Info("Circuit breaker moved to half-open",
				zap.String("server", string(server)))
		}
		if pc.conn.GetState() == connectivity.Shutdown {
			delete(p.connections, server)
			ok = false
		}
	}
	if ok {
		pc.lastUsed = p.now()
		pc.useCount++
		return pc.conn, nil
	}

	conn, err := p.dial(server, addr)
	if err != nil {
		return nil, err
	}
	now := p.now()
	p.connections[server] = &pooledConn{
		conn:         conn,
		addr:         addr,
		created:      now,
		lastUsed:     now,
		useCount:     1,
		circuitState: CircuitClosed,
	}
	p.logger.Debug("Created connection",
		zap.String("server", string(server)),
		zap.String("addr", addr))
	return conn, nil
}

func (p *Pool) dial(server types.ServerName, addr string) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if p.cfg.TLS != nil {
		creds = credentials.NewTLS(forServer(p.cfg.TLS, server))
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, p.cfg.DialOptions...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", server, err)
	}
	return conn, nil
}

// Success records a completed call, closing a half-open circuit.
func (p *Pool) Success(server types.ServerName) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.connections[server]
	if !ok {
		return
	}
	if pc.circuitState != CircuitClosed {
		p.logger.Info("Circuit breaker closed", zap.String("server", string(server)))
	}
	pc.failures = 0
	pc.circuitState = CircuitClosed
}

// Failure records a failed call. The circuit opens after FailureThreshold
// consecutive failures, or on any failure while half-open.
func (p *Pool) Failure(server types.ServerName) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.connections[server]
	if !ok {
		return
	}
	pc.failures++
	pc.lastFailure = p.now()

	if pc.circuitState == CircuitHalfOpen || pc.failures >= p.cfg.FailureThreshold {
		if pc.circuitState != CircuitOpen {
			p.logger.Warn("Circuit breaker opened",
				zap.String("server", string(server)),
				zap.Int("failures", pc.failures))
		}
		pc.circuitState = CircuitOpen
	}
}

// Circuit returns the breaker state for server.
func (p *Pool) Circuit(server types.ServerName) CircuitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.connections[server]; ok {
		return pc.circuitState
	}
	return CircuitClosed
}

// Stats returns a snapshot of every pooled connection, sorted by server.
func (p *Pool) Stats() []ConnStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnStats, 0, len(p.connections))
	for server, pc := range p.connections {
		out = append(out, ConnStats{
			Server:   server,
			Address:  pc.addr,
			State:    pc.conn.GetState().String(),
			Circuit:  pc.circuitState,
			Failures: pc.failures,
			Uses:     pc.useCount,
			Created:  pc.created,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })
	return out
}

// maintainConnections performs periodic maintenance
func (p *Pool) maintainConnections() {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stopCleanup:
			return
		}
	}
}

// prune closes connections idle for longer than IdleTimeout.
func (p *Pool) prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for server, pc := range p.connections {
		if now.Sub(pc.lastUsed) <= p.cfg.IdleTimeout || pc.circuitState == CircuitOpen {
			continue
		}
		pc.conn.Close()
		delete(p.connections, server)
		removed++
		p.logger.Debug("Removed idle connection", zap.String("server", string(server)))
	}
	return removed
}

// Close closes all connections and stops maintenance.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() { close(p.stopCleanup) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.connections {
		pc.conn.Close()
	}
	p.connections = make(map[types.ServerName]*pooledConn)
	return nil
}

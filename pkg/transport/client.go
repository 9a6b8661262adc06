package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"concord/pkg/federation"
	"concord/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClientConfig configures outbound federation calls.
type ClientConfig struct {
	// Peers maps server names to gRPC addresses.
	Peers map[types.ServerName]string

	// Attempts bounds the tries per call, including the first.
	Attempts int
	Backoff  federation.Backoff

	Pool PoolConfig
}

// Client implements federation.Transport over gRPC.
type Client struct {
	mu       sync.RWMutex
	peers    map[types.ServerName]string
	pool     *Pool
	attempts int
	backoff  federation.Backoff
	logger   *zap.Logger
}

var _ federation.Transport = (*Client)(nil)

// NewClient creates a client and its connection pool.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = federation.Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
	}
	peers := make(map[types.ServerName]string, len(cfg.Peers))
	for s, addr := range cfg.Peers {
		peers[s] = addr
	}
	return &Client{
		peers:    peers,
		pool:     NewPool(cfg.Pool, logger.Named("pool")),
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		logger:   logger,
	}
}

// SetPeer adds or replaces the address of server.
func (c *Client) SetPeer(server types.ServerName, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[server] = addr
}

// Pool returns the client's connection pool.
func (c *Client) Pool() *Pool {
	return c.pool
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	return c.pool.Close()
}

func (c *Client) address(server types.ServerName) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.peers[server]
	if !ok {
		return "", status.Errorf(codes.FailedPrecondition, "no address configured for %s", server)
	}
	return addr, nil
}

// call invokes method on dest, retrying retryable failures with backoff.
func (c *Client) call(ctx context.Context, dest types.ServerName, method string, in, out any) error {
	addr, err := c.address(dest)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.pool.Get(dest, addr)
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if err == nil {
			err = conn.Invoke(ctx, method, in, out)
		}
		if err == nil {
			c.pool.Success(dest)
			return nil
		}

		if !federation.IsRetryable(err) {
			return err
		}
		c.pool.Failure(dest)
		lastErr = err

		c.logger.Debug("Call failed, retrying",
			zap.String("destination", string(dest)),
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		// Don't sleep on the last attempt
		if attempt < c.attempts-1 {
			select {
			case <-time.After(c.backoff.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// SendTransaction implements federation.Transport.
func (c *Client) SendTransaction(ctx context.Context, dest types.ServerName, txn *federation.Transaction) (*federation.SendResponse, error) {
	out := new(federation.SendResponse)
	if err := c.call(ctx, dest, methodSend, txn, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Backfill implements federation.Transport.
func (c *Client) Backfill(ctx context.Context, dest types.ServerName, req federation.BackfillRequest) ([]*types.Event, error) {
	out := new(federation.BackfillResponse)
	if err := c.call(ctx, dest, methodBackfill, &req, out); err != nil {
		return nil, err
	}
	return out.PDUs, nil
}

// State implements federation.Transport.
func (c *Client) State(ctx context.Context, dest types.ServerName, req federation.StateRequest) (*federation.StateResponse, error) {
	out := new(federation.StateResponse)
	if err := c.call(ctx, dest, methodState, &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

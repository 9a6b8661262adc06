package federation

import (
	"context"
	"sync"
	"time"

	"concord/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sender delivers outbox transactions to every destination in parallel.
// Failed deliveries stay in flight and are retried on the next flush.
type Sender struct {
	outbox    *Outbox
	transport Transport
	peers     *PeerTracker
	metrics   *Metrics
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSender creates a sender.
func NewSender(outbox *Outbox, transport Transport, peers *PeerTracker, cfg Config, metrics *Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if peers == nil {
		peers = NewPeerTracker(0, 0, 0, logger)
	}
	return &Sender{
		outbox:    outbox,
		transport: transport,
		peers:     peers,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// Flush delivers one transaction to each destination with pending work. It
// returns the first local error; delivery failures are recorded against the
// peer instead.
func (s *Sender) Flush(ctx context.Context) error {
	dests, err := s.outbox.Destinations(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	if s.cfg.MaxParallelSends > 0 {
		g.SetLimit(s.cfg.MaxParallelSends)
	}
	for _, dest := range dests {
		g.Go(func() error {
			return s.deliver(ctx, dest)
		})
	}
	err = g.Wait()
	s.peers.Export(s.metrics)
	return err
}

func (s *Sender) deliver(ctx context.Context, dest types.ServerName) error {
	if !s.peers.ShouldAttempt(dest) {
		return nil
	}

	txn, err := s.outbox.DrainOutbox(ctx, dest)
	if err != nil || txn == nil {
		return err
	}

	start := time.Now()
	reqCtx, cancel := s.cfg.requestContext(ctx)
	resp, err := s.transport.SendTransaction(reqCtx, dest, txn)
	err = wrapTimeout(reqCtx, err)
	cancel()

	if err != nil {
		s.peers.RecordFailure(dest)
		if s.metrics != nil {
			s.metrics.TransactionsSent.WithLabelValues("failure").Inc()
		}
		s.logger.Debug("Transaction delivery failed",
			zap.String("destination", string(dest)),
			zap.String("transaction_id", string(txn.ID)),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Error(err))
		return nil
	}

	s.peers.RecordSuccess(dest)
	if s.metrics != nil {
		s.metrics.TransactionsSent.WithLabelValues("success").Inc()
		s.metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
	}
	if len(resp.Rejected) > 0 {
		s.logger.Warn("Destination rejected events",
			zap.String("destination", string(dest)),
			zap.String("transaction_id", string(txn.ID)),
			zap.Int("rejected", len(resp.Rejected)))
	}
	return s.outbox.Ack(ctx, dest, txn.ID)
}

// Start runs Flush every SendInterval until Stop is called.
func (s *Sender) Start(ctx context.Context) {
	interval := s.cfg.SendInterval
	if interval <= 0 {
		interval = time.Second
	}

	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.logger.Error("Outbox flush failed", zap.Error(err))
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the send loop and waits for it to exit.
func (s *Sender) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
}

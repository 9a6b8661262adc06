package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"concord/pkg/codec"
	"concord/pkg/config"
	"concord/pkg/federation"
	"concord/pkg/room"
	"concord/pkg/store"
	"concord/pkg/telemetry"
	"concord/pkg/transport"
	"concord/pkg/types"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation server",
		Long: `Start the room engine, the gRPC federation endpoint, the outbound sender,
the backfill scheduler and the metrics endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := setupLogger(verbose, cfg.LogLevel).With(zap.String("server", cfg.ServerName))
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := newNode(ctx, cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}
			return n.run(ctx)
		},
	}
}

// node is one running server: engine, federation components and listeners.
type node struct {
	cfg    *config.Config
	logger *zap.Logger

	store     store.Store
	engine    *room.Engine
	registry  *prometheus.Registry
	metrics   *federation.Metrics
	peers     *federation.PeerTracker
	client    *transport.Client
	processor *federation.Processor
	sender    *federation.Sender
	server    *transport.Server

	shutdownTracing telemetry.ShutdownFunc
}

func newNode(ctx context.Context, cfg *config.Config, registry *prometheus.Registry, logger *zap.Logger) (*node, error) {
	server := types.ServerName(cfg.ServerName)
	n := &node{cfg: cfg, logger: logger, registry: registry}
	built := false
	defer func() {
		if !built {
			n.close()
		}
	}()

	key, err := codec.LoadSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w (run `concord keygen` first)", err)
	}
	keys, err := loadKeyRing(cfg, key)
	if err != nil {
		return nil, err
	}

	n.shutdownTracing, err = telemetry.Setup(ctx, cfg.Telemetry, cfg.ServerName, logger.Named("telemetry"))
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	sqlite, err := store.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	n.store = sqlite

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = federation.NewMetrics(registry)

	n.engine, err = room.New(room.Config{
		ServerName:           server,
		SigningKey:           key,
		Keys:                 keys,
		Store:                n.store,
		MaxWriters:           cfg.Engine.MaxWriters,
		MaxResolveIterations: cfg.Engine.MaxResolveIterations,
		StateCacheSize:       cfg.Engine.StateCacheSize,
		Observer:             n.metrics,
	}, logger.Named("room"))
	if err != nil {
		return nil, err
	}

	var serverTLS, clientTLS *tls.Config
	if cfg.TLS.Enabled() {
		trust := transport.NewTrustStore()
		if err := trust.AddCAFile(cfg.TLS.CAFile); err != nil {
			return nil, err
		}
		if serverTLS, err = trust.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			return nil, err
		}
		if clientTLS, err = trust.ClientConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile); err != nil {
			return nil, err
		}
	}

	fedCfg := cfg.FederationConfig()
	maxMsg := int(cfg.Federation.MaxMessageSize)

	n.client = transport.NewClient(transport.ClientConfig{
		Peers: cfg.PeerAddresses(),
		Pool: transport.PoolConfig{
			TLS: clientTLS,
			DialOptions: []grpc.DialOption{
				grpc.WithDefaultCallOptions(
					grpc.MaxCallRecvMsgSize(maxMsg),
					grpc.MaxCallSendMsgSize(maxMsg),
				),
			},
		},
	}, logger.Named("transport"))

	n.peers = federation.NewPeerTracker(2, 5, time.Minute, logger.Named("peers"))
	n.peers.OnDead(func(dest types.ServerName) {
		logger.Warn("Peer declared dead, deliveries paused until it recovers",
			zap.String("destination", string(dest)))
	})

	n.processor = federation.NewProcessor(n.engine, n.client, fedCfg, n.metrics, logger.Named("federation"))
	outbox := federation.NewOutbox(n.engine, fedCfg, logger.Named("outbox"))
	n.sender = federation.NewSender(outbox, n.client, n.peers, fedCfg, n.metrics, logger.Named("sender"))
	api := federation.NewAPI(n.processor, n.engine, n.peers, fedCfg, logger.Named("api"))
	n.server = transport.NewServer(api, serverTLS, logger.Named("server"), grpc.MaxRecvMsgSize(maxMsg))

	built = true
	return n, nil
}

// loadKeyRing publishes the local key and every pinned remote key.
func loadKeyRing(cfg *config.Config, key *codec.SigningKey) (*codec.KeyRing, error) {
	keys := codec.NewKeyRing()
	if err := keys.AddSigningKey(types.ServerName(cfg.ServerName), key); err != nil {
		return nil, err
	}
	for server, ids := range cfg.VerifyKeys {
		for id, encoded := range ids {
			pub, err := codec.ParseVerifyKey(encoded)
			if err != nil {
				return nil, fmt.Errorf("verify key %s/%s: %w", server, id, err)
			}
			if err := keys.AddKey(types.ServerName(server), types.KeyID(id), pub, time.Time{}); err != nil {
				return nil, err
			}
		}
	}
	return keys, nil
}

func (n *node) ready() error {
	_, err := n.store.Position(context.Background())
	return err
}

// run serves until ctx is cancelled, then shuts everything down.
func (n *node) run(ctx context.Context) error {
	defer n.close()

	lis, err := net.Listen("tcp", n.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddress, err)
	}
	n.logger.Info("Starting concord",
		zap.String("listen", lis.Addr().String()),
		zap.Int("peers", len(n.cfg.Peers)),
		zap.Bool("tls", n.cfg.TLS.Enabled()))

	var metricsServer *http.Server
	if n.cfg.MetricsAddress != "" {
		health := federation.NewHealthEndpoint(n.peers, n.registry, n.ready, n.logger.Named("health"))
		metricsServer = federation.StartMetricsServer(n.cfg.MetricsAddress, health, n.logger)
	}

	n.processor.Scheduler().Start(ctx)
	n.sender.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- n.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		n.logger.Info("Shutting down")
		n.server.Stop()
		err = <-serveErr
	case err = <-serveErr:
		n.logger.Error("Federation server stopped", zap.Error(err))
		n.server.Stop()
	}

	n.sender.Stop()
	n.processor.Scheduler().Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsServer != nil {
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			n.logger.Warn("Metrics server shutdown failed", zap.Error(serr))
		}
	}
	if n.shutdownTracing != nil {
		if terr := n.shutdownTracing(shutdownCtx); terr != nil {
			n.logger.Warn("Trace flush failed", zap.Error(terr))
		}
		n.shutdownTracing = nil
	}
	if errors.Is(err, grpc.ErrServerStopped) {
		err = nil
	}
	return err
}

func (n *node) close() {
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			n.logger.Debug("Closing transport client", zap.Error(err))
		}
		n.client = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Warn("Closing store", zap.Error(err))
		}
		n.store = nil
	}
	if n.shutdownTracing != nil {
		_ = n.shutdownTracing(context.Background())
		n.shutdownTracing = nil
	}
}

package federation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"concord/pkg/room"
	"concord/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks federation and engine activity. It implements
// room.Observer.
type Metrics struct {
	// Inbound
	TransactionsReceived prometheus.Counter
	PDUs                 *prometheus.CounterVec
	EDUs                 *prometheus.CounterVec

	// Backfill
	BackfillRequests prometheus.Counter
	BackfillFailures prometheus.Counter
	RetryAttempts    prometheus.Counter
	Parked           prometheus.Gauge

	// Outbound
	TransactionsSent *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	Peers            *prometheus.GaugeVec

	// State
	StateDivergences prometheus.Counter
}

// NewMetrics creates and registers the metrics with registry, or with the
// default registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		TransactionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_federation_transactions_received_total",
			Help: "Total number of inbound federation transactions",
		}),
		PDUs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_pdus_total",
			Help: "Events processed by the room engine, by outcome",
		}, []string{"result"}),
		EDUs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_federation_edus_total",
			Help: "Ephemeral events received, by type",
		}, []string{"type"}),
		BackfillRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_federation_backfill_requests_total",
			Help: "Total number of backfill requests sent",
		}),
		BackfillFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_federation_backfill_failures_total",
			Help: "Total number of failed backfill requests",
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_federation_retry_attempts_total",
			Help: "Total number of retried federation requests",
		}),
		Parked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "concord_federation_parked_events",
			Help: "Deferred events whose retry budget is exhausted",
		}),
		TransactionsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_federation_transactions_sent_total",
			Help: "Outbound transactions, by result",
		}, []string{"result"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_federation_delivery_latency_seconds",
			Help:    "Time to deliver an outbound transaction",
			Buckets: prometheus.DefBuckets,
		}),
		Peers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "concord_federation_peers",
			Help: "Known destinations, by status",
		}, []string{"status"}),
		StateDivergences: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_state_divergences_total",
			Help: "State resolutions that hit the iteration cap",
		}),
	}
}

// EventProcessed implements room.Observer.
func (m *Metrics) EventProcessed(_ types.RoomID, status room.Status) {
	if m == nil {
		return
	}
	m.PDUs.WithLabelValues(status.String()).Inc()
}

// StateDiverged implements room.Observer.
func (m *Metrics) StateDiverged(types.RoomID, int) {
	if m == nil {
		return
	}
	m.StateDivergences.Inc()
}

// HealthEndpoint serves liveness, readiness and metrics over HTTP.
type HealthEndpoint struct {
	peers    *PeerTracker
	gatherer prometheus.Gatherer
	ready    func() error
	logger   *zap.Logger
}

// NewHealthEndpoint creates the HTTP health surface. ready reports whether
// the server can take traffic; nil means always ready.
func NewHealthEndpoint(peers *PeerTracker, gatherer prometheus.Gatherer, ready func() error, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{peers: peers, gatherer: gatherer, ready: ready, logger: logger}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

type healthResponse struct {
	Status    string         `json:"status"`
	Peers     map[string]int `json:"peers"`
	Timestamp string         `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Peers:     make(map[string]int),
		Timestamp: time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK

	if he.peers != nil {
		for _, p := range he.peers.Peers() {
			resp.Peers[p.Status.String()]++
		}
		if resp.Peers[PeerDead.String()] > 0 {
			resp.Status = "degraded"
		}
	}
	if he.ready != nil {
		if err := he.ready(); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		he.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.ready != nil {
		if err := he.ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// StartMetricsServer serves the health endpoint on addr in the background.
func StartMetricsServer(addr string, endpoint *HealthEndpoint, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return server
}

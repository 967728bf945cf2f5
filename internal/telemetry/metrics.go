package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks the observable state of one consensus replica.
type Metrics struct {
	// Consensus progression.
	ConsensusHeight prometheus.Gauge
	ConsensusRound  prometheus.Gauge
	RoundsStarted   prometheus.Counter
	CommitsTotal    prometheus.Counter
	CommitLatency   prometheus.Histogram

	// Message handling.
	VotesReceived     prometheus.Counter
	ProposalsSent     prometheus.Counter
	VotesSent         prometheus.Counter
	MessagesDropped   prometheus.Counter
	TimeoutsTriggered prometheus.Counter
	StaleTimeouts     prometheus.Counter

	// Write-ahead log.
	WALAppends prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics under the given
// namespace on a private registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		ConsensusHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "height",
			Help:      "Current consensus height.",
		}),
		ConsensusRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "round",
			Help:      "Current consensus round within the height.",
		}),
		RoundsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "rounds_started_total",
			Help:      "Total number of rounds entered.",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "commits_total",
			Help:      "Total number of commits emitted.",
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "commit_latency_seconds",
			Help:      "Time from height start to commit.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		VotesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_received_total",
			Help:      "Total number of votes accepted by the collector.",
		}),
		ProposalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "proposals_sent_total",
			Help:      "Total number of proposals broadcast.",
		}),
		VotesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "votes_sent_total",
			Help:      "Total number of votes broadcast, retransmits included.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "messages_dropped_total",
			Help:      "Outbound messages dropped because the host channel was full.",
		}),
		TimeoutsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "timeouts_triggered_total",
			Help:      "Total number of timeout events acted upon.",
		}),
		StaleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "stale_timeouts_total",
			Help:      "Timeout events discarded by the (height, round, step) guards.",
		}),

		WALAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Messages appended to the write-ahead log.",
		}),
	}

	reg.MustRegister(
		m.ConsensusHeight, m.ConsensusRound, m.RoundsStarted,
		m.CommitsTotal, m.CommitLatency,
		m.VotesReceived, m.ProposalsSent, m.VotesSent,
		m.MessagesDropped, m.TimeoutsTriggered, m.StaleTimeouts,
		m.WALAppends,
	)

	return m
}

// NopMetrics returns a Metrics instance that records but never exposes
// anything. Useful for tests.
func NopMetrics() *Metrics {
	return &Metrics{
		ConsensusHeight:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_height"}),
		ConsensusRound:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_round"}),
		RoundsStarted:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_rounds"}),
		CommitsTotal:      prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_commits"}),
		CommitLatency:     prometheus.NewHistogram(prometheus.HistogramOpts{Name: "nop_latency"}),
		VotesReceived:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_votes_in"}),
		ProposalsSent:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_proposals"}),
		VotesSent:         prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_votes_out"}),
		MessagesDropped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_dropped"}),
		TimeoutsTriggered: prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_timeouts"}),
		StaleTimeouts:     prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_stale"}),
		WALAppends:        prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_wal"}),
		registry:          prometheus.NewRegistry(),
	}
}

// Registry returns the Prometheus registry for this metrics instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsServer serves Prometheus metrics via HTTP.
type MetricsServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewMetricsServer creates a metrics HTTP server.
func NewMetricsServer(addr string, metrics *Metrics, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving metrics. It blocks until the server stops.
func (ms *MetricsServer) Start() error {
	ms.logger.Info("metrics server starting", zap.String("addr", ms.server.Addr))
	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts down the metrics server.
func (ms *MetricsServer) Stop() error {
	return ms.server.Close()
}

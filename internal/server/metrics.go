package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the delivery core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	deliveries          *prometheus.CounterVec
	flushedMessages     prometheus.Counter
	retryAttempts       *prometheus.CounterVec
	retryExhausted      prometheus.Counter
	sweeperEvictions    prometheus.Counter
	cleanupDeleted      prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Current number of registered WebSocket connections",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total number of WebSocket connections opened",
		}),
		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_connections_rejected_total",
			Help: "Handshakes rejected before upgrade, by reason",
		}, []string{"reason"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Private message deliveries by outcome",
		}, []string{"outcome"}),
		flushedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_flushed_messages_total",
			Help: "Queued messages delivered when their recipient came online",
		}),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_push_retries_total",
			Help: "Retry job delivery attempts by result",
		}, []string{"result"}),
		retryExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_push_retries_exhausted_total",
			Help: "Push records left failed after reaching the retry bound",
		}),
		sweeperEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_sweeper_evictions_total",
			Help: "Stale connections evicted by the sweeper",
		}),
		cleanupDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_pushed_records_deleted_total",
			Help: "Pushed records removed by the cleanup job",
		}),
	}
}

func (m *Metrics) setActiveConnections(n int) {
	if m != nil {
		m.connectionsActive.Set(float64(n))
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.connectionsTotal.Inc()
	}
}

func (m *Metrics) connectionRejected(reason string) {
	if m != nil {
		m.connectionsRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) frameReceived(t FrameType) {
	if m != nil {
		m.framesReceived.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) delivered(outcome Outcome) {
	if m != nil {
		m.deliveries.WithLabelValues(outcome.String()).Inc()
	}
}

func (m *Metrics) flushed(n int) {
	if m != nil && n > 0 {
		m.flushedMessages.Add(float64(n))
	}
}

func (m *Metrics) retried(result string) {
	if m != nil {
		m.retryAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) exhausted() {
	if m != nil {
		m.retryExhausted.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil && n > 0 {
		m.sweeperEvictions.Add(float64(n))
	}
}

func (m *Metrics) cleaned(n int64) {
	if m != nil && n > 0 {
		m.cleanupDeleted.Add(float64(n))
	}
}

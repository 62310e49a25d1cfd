package endpoint

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is the Prometheus subsystem of Endpoint metrics.
const MetricsSubsystem = "endpoint"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connections not yet ended.
	Connections metrics.Gauge
	// Number of connections that reached Active.
	ConnectionsStarted metrics.Counter
	// Number of ended connections, by reason kind.
	ConnectionsEnded metrics.Counter
	// Number of Initial packets refused by admission control, by cause.
	AdmissionsRejected metrics.Counter
	// Number of datagrams fed to Update.
	DatagramsReceived metrics.Counter
	// Number of datagrams written to the socket.
	DatagramsSent metrics.Counter
	// Number of bytes delivered to recv callbacks, by stream.
	DeliveredBytes metrics.Counter
	// Number of received bytes discarded because a buffer was full, by stream.
	DroppedBytes metrics.Counter
	// Number of keep-alive pings that could not be sent.
	PingFailures metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// It registers with the default registry, so call it once per namespace.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Connections: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections",
			Help:      "Number of connections not yet ended.",
		}, []string{}),
		ConnectionsStarted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections_started",
			Help:      "Number of connections that completed the handshake.",
		}, []string{}),
		ConnectionsEnded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections_ended",
			Help:      "Number of ended connections.",
		}, []string{"reason"}),
		AdmissionsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "admissions_rejected",
			Help:      "Number of new connection attempts refused.",
		}, []string{"cause"}),
		DatagramsReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "datagrams_received",
			Help:      "Number of datagrams read from the socket.",
		}, []string{}),
		DatagramsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "datagrams_sent",
			Help:      "Number of datagrams written to the socket.",
		}, []string{}),
		DeliveredBytes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "delivered_bytes",
			Help:      "Number of stream bytes consumed by the application.",
		}, []string{"stream"}),
		DroppedBytes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_bytes",
			Help:      "Number of received stream bytes discarded on a full buffer.",
		}, []string{"stream"}),
		PingFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "ping_failures",
			Help:      "Number of keep-alive pings that failed.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Connections:        discard.NewGauge(),
		ConnectionsStarted: discard.NewCounter(),
		ConnectionsEnded:   discard.NewCounter(),
		AdmissionsRejected: discard.NewCounter(),
		DatagramsReceived:  discard.NewCounter(),
		DatagramsSent:      discard.NewCounter(),
		DeliveredBytes:     discard.NewCounter(),
		DroppedBytes:       discard.NewCounter(),
		PingFailures:       discard.NewCounter(),
	}
}

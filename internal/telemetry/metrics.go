package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the hub
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions      prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	ConnectionsRefused  prometheus.Counter
	SessionDuration     prometheus.Histogram

	// Envelope metrics
	EnvelopesReceived  *prometheus.CounterVec
	MalformedEnvelopes prometheus.Counter

	// Command metrics
	CommandsSent   *prometheus.CounterVec
	CommandsFailed *prometheus.CounterVec

	// Image transfer metrics
	ImageBytes        prometheus.Counter
	TransfersComplete prometheus.Counter
	TransfersAborted  prometheus.Counter
	TransferDuration  prometheus.Histogram

	// Discovery metrics
	BeaconsSent   prometheus.Counter
	BeaconsFailed prometheus.Counter
}

// NewMetrics creates all metrics on a private registry, so several hubs
// (and tests) can coexist in one process
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "robohub_active_sessions",
			Help: "Current number of registered device sessions",
		}),
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_connections_accepted_total",
			Help: "Total number of device connections registered",
		}),
		ConnectionsRefused: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_connections_refused_total",
			Help: "Total number of device connections closed because the registry was full",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "robohub_session_duration_seconds",
			Help:    "Lifetime of device sessions",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1s to ~3 days
		}),

		EnvelopesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "robohub_envelopes_received_total",
			Help: "Envelopes received from devices by kind",
		}, []string{"kind"}),
		MalformedEnvelopes: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_malformed_envelopes_total",
			Help: "Envelopes dropped because they could not be parsed",
		}),

		CommandsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "robohub_commands_sent_total",
			Help: "Envelopes written to devices by command",
		}, []string{"command"}),
		CommandsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "robohub_commands_failed_total",
			Help: "Envelope writes to devices that failed, by command",
		}, []string{"command"}),

		ImageBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_image_bytes_total",
			Help: "Raw image bytes received from devices",
		}),
		TransfersComplete: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_image_transfers_completed_total",
			Help: "Image transfers stored successfully",
		}),
		TransfersAborted: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_image_transfers_aborted_total",
			Help: "Image transfers discarded after a short read",
		}),
		TransferDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "robohub_image_transfer_duration_seconds",
			Help:    "Time spent receiving one image",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),

		BeaconsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_discovery_beacons_sent_total",
			Help: "Discovery beacons broadcast",
		}),
		BeaconsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "robohub_discovery_beacons_failed_total",
			Help: "Discovery beacons that could not be sent",
		}),
	}
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

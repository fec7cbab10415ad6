package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the core collector metrics shared across workers and the sink
type Metrics struct {
	// Worker side
	DeviceConnected    *prometheus.GaugeVec   // advisory liveness per device
	EnvelopesProduced  *prometheus.CounterVec // per device and protocol
	StreamErrors       *prometheus.CounterVec // explicit error frames / transport faults
	Reconnects         *prometheus.CounterVec // reconnect attempts after a lost stream
	ResolutionFailures *prometheus.CounterVec // version/hostname lookups that degraded

	// Queue
	QueueDepth   prometheus.Gauge
	QueueDropped prometheus.Counter

	// Sink side
	DocumentsIndexed *prometheus.CounterVec // per index
	DecodeFailures   prometheus.Counter
	UploadFailures   prometheus.Counter
	UploadDuration   prometheus.Histogram
}

// NewMetrics creates the core collector metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DeviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtnm",
			Subsystem: "collector",
			Name:      "device_connected",
			Help:      "Whether the device channel is currently ready (1) or not (0)",
		}, []string{"device"}),
		EnvelopesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "collector",
			Name:      "envelopes_produced_total",
			Help:      "Telemetry envelopes pushed onto the output queue",
		}, []string{"device", "protocol"}),
		StreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "collector",
			Name:      "stream_errors_total",
			Help:      "Streaming attempts ended by an explicit error",
		}, []string{"device"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "collector",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after a streaming attempt ended",
		}, []string{"device"}),
		ResolutionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "collector",
			Name:      "resolution_failures_total",
			Help:      "Metadata lookups that degraded to a placeholder value",
		}, []string{"device", "field"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rtnm",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Envelopes currently buffered in the output queue",
		}),
		QueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Envelopes dropped by the overflow policy",
		}),
		DocumentsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "elastic",
			Name:      "documents_indexed_total",
			Help:      "Documents successfully uploaded to Elasticsearch",
		}, []string{"index"}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "elastic",
			Name:      "decode_failures_total",
			Help:      "Envelopes whose payload could not be decoded",
		}),
		UploadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rtnm",
			Subsystem: "elastic",
			Name:      "upload_failures_total",
			Help:      "Document uploads rejected by the storage backend",
		}),
		UploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rtnm",
			Subsystem: "elastic",
			Name:      "upload_duration_seconds",
			Help:      "Time to upload one document",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// Package metrics registers the communication manager's process metrics:
// outbound cloud queue depth, pending-request count, SM session count and
// ack-retry counter, per SPEC_FULL.md's domain-stack wiring.
//
// Grounded on pack repo wisbric-nightowl's internal/httpserver/server.go
// (a *prometheus.Registry threaded into the component that owns the
// numbers, exposed over promhttp at /metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every gauge/counter this process exposes.
type Metrics struct {
	Registry *prometheus.Registry

	OutboundQueueDepth prometheus.Gauge
	PendingRequests    prometheus.Gauge
	SMSessionCount     prometheus.Gauge
	AckRetries         prometheus.Counter
	UnknownMessageType prometheus.Counter
}

// New constructs and registers every metric against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OutboundQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cm",
			Subsystem: "cloud_link",
			Name:      "outbound_queue_depth",
			Help:      "Number of envelopes buffered for the cloud link outbound queue.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cm",
			Subsystem: "cloud_link",
			Name:      "pending_requests",
			Help:      "Number of cloud requests awaiting a correlated response.",
		}),
		SMSessionCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cm",
			Subsystem: "fleet",
			Name:      "sm_session_count",
			Help:      "Number of live Service Manager sessions.",
		}),
		AckRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cm",
			Subsystem: "cloud_link",
			Name:      "ack_retries_total",
			Help:      "Number of envelopes retried after an unacknowledged send.",
		}),
		UnknownMessageType: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cm",
			Subsystem: "message",
			Name:      "unknown_message_type_total",
			Help:      "Number of inbound envelopes dropped for carrying an unrecognized messageType.",
		}),
	}

	reg.MustRegister(
		m.OutboundQueueDepth,
		m.PendingRequests,
		m.SMSessionCount,
		m.AckRetries,
		m.UnknownMessageType,
	)

	return m
}

// Package metric manages Prometheus metrics for the parking platform
// core: the always-registered platform metrics plus a registry that
// components use to expose their own collectors on the shared /metrics
// endpoint.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the platform-level metrics every deployment exposes.
type Metrics struct {
	ServiceStatus     *prometheus.GaugeVec
	HealthCheckStatus *prometheus.GaugeVec
	ErrorsTotal       *prometheus.CounterVec

	UplinksReceived   *prometheus.CounterVec
	UplinksProcessed  *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	DownlinksEnqueued *prometheus.CounterVec
	DownlinksSent     *prometheus.CounterVec

	ProcessingDuration *prometheus.HistogramVec

	SpoolPending    prometheus.Gauge
	SpoolDeadLetter prometheus.Gauge
	GatewaysOnline  prometheus.Gauge
	GatewaysOffline prometheus.Gauge
}

// NewMetrics creates the platform metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "parking",
				Subsystem: "service",
				Name:      "status",
				Help:      "Component status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
			},
			[]string{"component"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "parking",
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parking",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors by component and class",
			},
			[]string{"component", "class"},
		),

		UplinksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parking",
				Subsystem: "uplinks",
				Name:      "received_total",
				Help:      "Total sensor uplinks received",
			},
			[]string{"tenant"},
		),

		UplinksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parking",
				Subsystem: "uplinks",
				Name:      "processed_total",
				Help:      "Total sensor uplinks processed by outcome",
			},
			[]string{"tenant", "outcome"},
		),

		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parking",
				Subsystem: "spaces",
				Name:      "transitions_total",
				Help:      "Total space state transitions by source",
			},
			[]string{"source", "new_state"},
		),

		DownlinksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parking",
				Subsystem: "downlinks",
				Name:      "enqueued_total",
				Help:      "Total downlink commands enqueued",
			},
			[]string{"tenant"},
		),

		DownlinksSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parking",
				Subsystem: "downlinks",
				Name:      "sent_total",
				Help:      "Total downlink commands delivered by outcome",
			},
			[]string{"tenant", "outcome"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "parking",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		SpoolPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "parking",
				Subsystem: "spool",
				Name:      "pending",
				Help:      "Envelopes waiting in the spool pending directory",
			},
		),

		SpoolDeadLetter: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "parking",
				Subsystem: "spool",
				Name:      "dead_letter",
				Help:      "Envelopes in the spool dead-letter directory",
			},
		),

		GatewaysOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "parking",
				Subsystem: "gateways",
				Name:      "online",
				Help:      "Gateways currently classified online",
			},
		),

		GatewaysOffline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "parking",
				Subsystem: "gateways",
				Name:      "offline",
				Help:      "Gateways currently classified offline",
			},
		),
	}
}

// RecordServiceStatus updates the component status gauge.
func (m *Metrics) RecordServiceStatus(component string, status int) {
	m.ServiceStatus.WithLabelValues(component).Set(float64(status))
}

// RecordHealthStatus updates the component health gauge.
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(component).Set(value)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordUplinkReceived increments the uplink received counter.
func (m *Metrics) RecordUplinkReceived(tenant string) {
	m.UplinksReceived.WithLabelValues(tenant).Inc()
}

// RecordUplinkProcessed increments the uplink processed counter.
func (m *Metrics) RecordUplinkProcessed(tenant, outcome string) {
	m.UplinksProcessed.WithLabelValues(tenant, outcome).Inc()
}

// RecordStateTransition increments the space transition counter.
func (m *Metrics) RecordStateTransition(source, newState string) {
	m.StateTransitions.WithLabelValues(source, newState).Inc()
}

// RecordDownlinkEnqueued increments the downlink enqueued counter.
func (m *Metrics) RecordDownlinkEnqueued(tenant string) {
	m.DownlinksEnqueued.WithLabelValues(tenant).Inc()
}

// RecordDownlinkSent increments the downlink delivered counter.
func (m *Metrics) RecordDownlinkSent(tenant, outcome string) {
	m.DownlinksSent.WithLabelValues(tenant, outcome).Inc()
}

// RecordProcessingDuration records an operation duration.
func (m *Metrics) RecordProcessingDuration(component, operation string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

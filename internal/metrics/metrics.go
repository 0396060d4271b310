// Package metrics exposes Prometheus collectors for the monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the monitor's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	recordsIngested *prometheus.CounterVec
	recordsDropped  *prometheus.CounterVec
	decodeErrors    prometheus.Counter
	alarms          *prometheus.CounterVec
	commands        *prometheus.CounterVec
	connState       prometheus.Gauge
	bufferLen       prometheus.Gauge
	sinkLatency     *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		recordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreactor_records_ingested_total",
			Help: "Telemetry records applied to the projector, by source.",
		}, []string{"source"}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreactor_records_dropped_total",
			Help: "Telemetry records discarded before projection, by reason.",
		}, []string{"reason"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bioreactor_decode_errors_total",
			Help: "Inbound frames that could not be decoded.",
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreactor_alarms_total",
			Help: "Threshold violations raised, by channel.",
		}, []string{"channel"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bioreactor_commands_total",
			Help: "Operator commands, by kind and outcome.",
		}, []string{"cmd", "outcome"}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bioreactor_connection_state",
			Help: "Transport state: 0 disconnected, 1 connecting, 2 connected.",
		}),
		bufferLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bioreactor_history_buffer_length",
			Help: "Records currently held in the history buffer.",
		}),
		sinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bioreactor_sink_write_seconds",
			Help:    "Latency of record and alarm sink writes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"sink"}),
	}
	m.Registry.MustRegister(m.recordsIngested, m.recordsDropped, m.decodeErrors, m.alarms,
		m.commands, m.connState, m.bufferLen, m.sinkLatency)
	return m
}

// RecordIngested counts a projected record.
func (m *Metrics) RecordIngested(source string) {
	if m == nil {
		return
	}
	m.recordsIngested.WithLabelValues(source).Inc()
}

// RecordDropped counts a discarded record.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.recordsDropped.WithLabelValues(reason).Inc()
}

// DecodeError counts a malformed frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// Alarm counts an alarm on channel.
func (m *Metrics) Alarm(channel string) {
	if m == nil {
		return
	}
	m.alarms.WithLabelValues(channel).Inc()
}

// Command counts a command outcome such as "sent", "absorbed" or "rejected".
func (m *Metrics) Command(cmd, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(cmd, outcome).Inc()
}

// ConnectionState sets the transport state gauge.
func (m *Metrics) ConnectionState(v int) {
	if m == nil {
		return
	}
	m.connState.Set(float64(v))
}

// BufferLength sets the history buffer gauge.
func (m *Metrics) BufferLength(n int) {
	if m == nil {
		return
	}
	m.bufferLen.Set(float64(n))
}

// ObserveSink records a sink write latency in seconds.
func (m *Metrics) ObserveSink(sink string, seconds float64) {
	if m == nil {
		return
	}
	m.sinkLatency.WithLabelValues(sink).Observe(seconds)
}

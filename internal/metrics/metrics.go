package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for campaignd
type Metrics struct {
	// Dispatch counters
	SendsTotal          *prometheus.CounterVec
	SendAttemptsTotal   *prometheus.CounterVec
	SendRetriesTotal    *prometheus.CounterVec
	InvalidTargetsTotal *prometheus.CounterVec
	SendDuration        *prometheus.HistogramVec

	// Job lifecycle
	JobsActivatedTotal *prometheus.CounterVec
	JobsFinishedTotal  *prometheus.CounterVec
	JobsRunning        prometheus.Gauge
	JobsByStatus       *prometheus.GaugeVec

	// Gateway
	GatewayChecksTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_sends_total",
				Help: "Total number of recipients processed, by final outcome",
			},
			[]string{"kind", "result"},
		),
		SendAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_send_attempts_total",
				Help: "Total number of gateway send attempts, by outcome",
			},
			[]string{"outcome"},
		),
		SendRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_send_retries_total",
				Help: "Total number of send retries scheduled after a transient failure",
			},
			[]string{"reason"},
		),
		InvalidTargetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_invalid_targets_total",
				Help: "Total number of recipients rejected by validation",
			},
			[]string{"kind"},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaignd_send_duration_seconds",
				Help:    "Gateway send request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),

		JobsActivatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_jobs_activated_total",
				Help: "Total number of job activations, by trigger",
			},
			[]string{"trigger"},
		),
		JobsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		JobsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_jobs_running",
				Help: "Number of jobs currently dispatching in this process",
			},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "campaignd_jobs",
				Help: "Number of stored jobs by status",
			},
			[]string{"status"},
		),

		GatewayChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_gateway_checks_total",
				Help: "Total number of gateway connection checks",
			},
			[]string{"connected"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campaignd_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaignd_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "campaignd_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.SendAttemptsTotal,
		m.SendRetriesTotal,
		m.InvalidTargetsTotal,
		m.SendDuration,
		m.JobsActivatedTotal,
		m.JobsFinishedTotal,
		m.JobsRunning,
		m.JobsByStatus,
		m.GatewayChecksTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// persistentCounters lists the counters restored across restarts
func (m *Metrics) persistentCounters() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"campaignd_sends_total":           m.SendsTotal,
		"campaignd_send_attempts_total":   m.SendAttemptsTotal,
		"campaignd_send_retries_total":    m.SendRetriesTotal,
		"campaignd_invalid_targets_total": m.InvalidTargetsTotal,
		"campaignd_jobs_activated_total":  m.JobsActivatedTotal,
		"campaignd_jobs_finished_total":   m.JobsFinishedTotal,
		"campaignd_api_requests_total":    m.APIRequestsTotal,
		"campaignd_api_errors_total":      m.APIErrorsTotal,
	}
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncSends counts one recipient by final outcome
func IncSends(kind, result string) {
	m := Global()
	if m != nil {
		m.SendsTotal.WithLabelValues(kind, result).Inc()
	}
}

// IncSendAttempts counts one gateway send attempt
func IncSendAttempts(outcome string) {
	m := Global()
	if m != nil {
		m.SendAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncSendRetries counts a scheduled retry
func IncSendRetries(reason string) {
	m := Global()
	if m != nil {
		m.SendRetriesTotal.WithLabelValues(reason).Inc()
	}
}

// IncInvalidTargets counts a rejected recipient
func IncInvalidTargets(kind string) {
	m := Global()
	if m != nil {
		m.InvalidTargetsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveSendDuration records the duration of one send request
func ObserveSendDuration(kind string, seconds float64) {
	m := Global()
	if m != nil {
		m.SendDuration.WithLabelValues(kind).Observe(seconds)
	}
}

// IncJobsActivated counts a job activation
func IncJobsActivated(trigger string) {
	m := Global()
	if m != nil {
		m.JobsActivatedTotal.WithLabelValues(trigger).Inc()
	}
}

// IncJobsFinished counts a job reaching a terminal status
func IncJobsFinished(status string) {
	m := Global()
	if m != nil {
		m.JobsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncJobsRunning increments the running jobs gauge
func IncJobsRunning() {
	m := Global()
	if m != nil {
		m.JobsRunning.Inc()
	}
}

// DecJobsRunning decrements the running jobs gauge
func DecJobsRunning() {
	m := Global()
	if m != nil {
		m.JobsRunning.Dec()
	}
}

// IncGatewayChecks counts a connection check
func IncGatewayChecks(connected bool) {
	m := Global()
	if m != nil {
		label := "false"
		if connected {
			label = "true"
		}
		m.GatewayChecksTotal.WithLabelValues(label).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

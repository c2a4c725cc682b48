// Package metrics provides Prometheus metrics collection for the workflow
// control plane: HTTP admin-API traffic, workflow/step/rollback counters,
// and persistence query latency.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Workflow engine metrics
	WorkflowsTotal    *prometheus.CounterVec
	WorkflowDuration  *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	CompensationTotal *prometheus.CounterVec
	PolicyDecisions   *prometheus.CounterVec
	ApprovalsTotal    *prometheus.CounterVec
	WorkflowsActive   prometheus.Gauge

	// Persistence metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		WorkflowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflows_total",
				Help: "Total number of workflows by terminal status",
			},
			[]string{"status"},
		),
		WorkflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_duration_seconds",
				Help:    "Wall-clock duration from submit to terminal status",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_steps_total",
				Help: "Total number of step executions by capability and outcome",
			},
			[]string{"capability_id", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Step handler execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60},
			},
			[]string{"capability_id"},
		),
		CompensationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_compensations_total",
				Help: "Total number of compensating actions executed during rollback",
			},
			[]string{"capability_id", "outcome"},
		),
		PolicyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_decisions_total",
				Help: "Total number of policy evaluations by decision",
			},
			[]string{"decision", "risk_level"},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvals_total",
				Help: "Total number of approval gates by outcome",
			},
			[]string{"outcome"},
		),
		WorkflowsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflows_active",
				Help: "Current number of RUNNING or PAUSED workflows",
			},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.WorkflowsTotal,
			m.WorkflowDuration,
			m.StepsTotal,
			m.StepDuration,
			m.CompensationTotal,
			m.PolicyDecisions,
			m.ApprovalsTotal,
			m.WorkflowsActive,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error.
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordWorkflowTerminal records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowTerminal(status string, duration time.Duration) {
	m.WorkflowsTotal.WithLabelValues(status).Inc()
	m.WorkflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStep records a single step execution.
func (m *Metrics) RecordStep(capabilityID, status string, duration time.Duration) {
	m.StepsTotal.WithLabelValues(capabilityID, status).Inc()
	m.StepDuration.WithLabelValues(capabilityID).Observe(duration.Seconds())
}

// RecordCompensation records a compensating action outcome.
func (m *Metrics) RecordCompensation(capabilityID, outcome string) {
	m.CompensationTotal.WithLabelValues(capabilityID, outcome).Inc()
}

// RecordPolicyDecision records a policy evaluation outcome.
func (m *Metrics) RecordPolicyDecision(decision, riskLevel string) {
	m.PolicyDecisions.WithLabelValues(decision, riskLevel).Inc()
}

// RecordApproval records an approval gate outcome (approved/rejected/timeout).
func (m *Metrics) RecordApproval(outcome string) {
	m.ApprovalsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveWorkflows sets the current count of RUNNING or PAUSED workflows.
func (m *Metrics) SetActiveWorkflows(count int) {
	m.WorkflowsActive.Set(float64(count))
}

// RecordDatabaseQuery records a database query.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func getEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled returns whether Prometheus metrics should be exposed.
// Defaults to enabled unless explicitly disabled via METRICS_ENABLED.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return true
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance.
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("workflowcore")
	}
	return globalMetrics
}

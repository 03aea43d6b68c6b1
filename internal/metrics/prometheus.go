package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the security event chain.
// Every Record/Update method is safe to call on a nil receiver so components can
// run without a metrics manager.
type PrometheusMetrics struct {
	// Write path metrics
	EventsSubmittedTotal  *prometheus.CounterVec
	QueueDepth            prometheus.Gauge
	BatchesFlushedTotal   *prometheus.CounterVec
	BatchSize             prometheus.Histogram
	BatchFlushDuration    prometheus.Histogram
	EntriesCommittedTotal prometheus.Counter
	ChainTailSequence     prometheus.Gauge
	DeadLettersTotal      prometheus.Counter

	// Integrity and archival metrics
	ChainVerificationsTotal   *prometheus.CounterVec
	ChainVerificationDuration prometheus.Histogram
	EntriesArchivedTotal      prometheus.Counter

	// Rule engine metrics
	RuleEvaluationsTotal   *prometheus.CounterVec
	RuleEvaluationDuration *prometheus.HistogramVec
	RulesLoaded            *prometheus.GaugeVec

	// Alert metrics
	AlertsDispatchedTotal *prometheus.CounterVec
	AlertDispatchDuration prometheus.Histogram
	CircuitBreakerState   prometheus.Gauge

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// NewPrometheusMetrics creates all metrics and registers them with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EventsSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_events_submitted_total",
				Help: "Total number of security events submitted, by outcome",
			},
			[]string{"status"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seclog_write_queue_depth",
				Help: "Number of writes waiting in the queue",
			},
		),

		BatchesFlushedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_batches_flushed_total",
				Help: "Total number of batch flush attempts, by status",
			},
			[]string{"status"},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "seclog_batch_size",
				Help:    "Number of entries per committed batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		BatchFlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "seclog_batch_flush_duration_seconds",
				Help:    "Time spent committing a batch to the chain store",
				Buckets: prometheus.DefBuckets,
			},
		),

		EntriesCommittedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "seclog_entries_committed_total",
				Help: "Total number of log entries committed to the chain",
			},
		),

		ChainTailSequence: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seclog_chain_tail_sequence",
				Help: "Sequence number of the last committed entry",
			},
		),

		DeadLettersTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "seclog_dead_letters_total",
				Help: "Total number of writes moved to the dead letter queue",
			},
		),

		ChainVerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_chain_verifications_total",
				Help: "Total number of chain verifications, by result",
			},
			[]string{"result"},
		),

		ChainVerificationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "seclog_chain_verification_duration_seconds",
				Help:    "Time spent verifying the chain",
				Buckets: prometheus.DefBuckets,
			},
		),

		EntriesArchivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "seclog_entries_archived_total",
				Help: "Total number of entries marked archived",
			},
		),

		RuleEvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_rule_evaluations_total",
				Help: "Total number of rule evaluations, by rule and result",
			},
			[]string{"rule_id", "result"},
		),

		RuleEvaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seclog_rule_evaluation_duration_seconds",
				Help:    "Time spent evaluating a single rule",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
			},
			[]string{"condition_type"},
		),

		RulesLoaded: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "seclog_rules_loaded",
				Help: "Number of rules registered in the engine, by status",
			},
			[]string{"status"},
		),

		AlertsDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_alerts_dispatched_total",
				Help: "Total number of alert dispatches, by status",
			},
			[]string{"status"},
		),

		AlertDispatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "seclog_alert_dispatch_duration_seconds",
				Help:    "Time spent delivering an alert including retries",
				Buckets: prometheus.DefBuckets,
			},
		),

		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seclog_alert_circuit_breaker_state",
				Help: "Alert circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),

		DatabaseOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seclog_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seclog_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seclog_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ApplicationUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seclog_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "seclog_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seclog_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "seclog_goroutines_count",
				Help: "Current number of goroutines",
			},
		),
	}
}

// RecordEventSubmitted records the outcome of a submission (accepted, duplicate, rejected)
func (m *PrometheusMetrics) RecordEventSubmitted(status string) {
	if m == nil {
		return
	}
	m.EventsSubmittedTotal.WithLabelValues(status).Inc()
}

// UpdateQueueDepth records the number of waiting writes
func (m *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordBatchFlush records one flush attempt
func (m *PrometheusMetrics) RecordBatchFlush(status string, size int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchesFlushedTotal.WithLabelValues(status).Inc()
	m.BatchFlushDuration.Observe(duration.Seconds())
	if status == "success" {
		m.BatchSize.Observe(float64(size))
		m.EntriesCommittedTotal.Add(float64(size))
	}
}

// UpdateChainTail records the latest committed sequence number
func (m *PrometheusMetrics) UpdateChainTail(sequence int64) {
	if m == nil {
		return
	}
	m.ChainTailSequence.Set(float64(sequence))
}

// RecordDeadLetters records writes that exhausted their retries
func (m *PrometheusMetrics) RecordDeadLetters(count int) {
	if m == nil {
		return
	}
	m.DeadLettersTotal.Add(float64(count))
}

// RecordChainVerification records a verification run (valid, invalid, error)
func (m *PrometheusMetrics) RecordChainVerification(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChainVerificationsTotal.WithLabelValues(result).Inc()
	m.ChainVerificationDuration.Observe(duration.Seconds())
}

// RecordEntriesArchived records entries flagged by the archival scheduler
func (m *PrometheusMetrics) RecordEntriesArchived(count int64) {
	if m == nil {
		return
	}
	m.EntriesArchivedTotal.Add(float64(count))
}

// RecordRuleEvaluation records one rule evaluation (match, no_match, error)
func (m *PrometheusMetrics) RecordRuleEvaluation(ruleID, conditionType, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RuleEvaluationsTotal.WithLabelValues(ruleID, result).Inc()
	m.RuleEvaluationDuration.WithLabelValues(conditionType).Observe(duration.Seconds())
}

// UpdateRulesLoaded records the number of registered rules per status
func (m *PrometheusMetrics) UpdateRulesLoaded(status string, count int) {
	if m == nil {
		return
	}
	m.RulesLoaded.WithLabelValues(status).Set(float64(count))
}

// RecordAlertDispatch records an alert delivery outcome (sent, failed, rejected, dropped)
func (m *PrometheusMetrics) RecordAlertDispatch(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AlertsDispatchedTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.AlertDispatchDuration.Observe(duration.Seconds())
	}
}

// UpdateCircuitBreakerState records the breaker state as a number
func (m *PrometheusMetrics) UpdateCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(float64(state))
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates the application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	if m == nil {
		return
	}
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates the health status of a component
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates memory usage metrics
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates the goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	if m == nil {
		return
	}
	m.GoroutineCount.Set(float64(count))
}

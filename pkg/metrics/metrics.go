package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Routing
	AuditRecordsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_records_routed_total",
		Help: "Total number of audit records routed, by outcome",
	}, []string{"outcome"})
	AuditRecordsQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_audit_records_queued",
		Help: "Number of audit records waiting for the sink router to open",
	})
	AuditSinkPolicyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_audit_sink_policy_duration_seconds",
		Help:    "Duration of sink policy executions",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
	AuditFallbackStores = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audit_fallback_stores_total",
		Help: "Total number of records written to internal storage because fallback is enabled",
	})

	// Message filter
	AuditFilterResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_filter_results_total",
		Help: "Total number of audit message filter evaluations, by result",
	}, []string{"result"})

	// Integrity
	AuditSignatures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_signatures_total",
		Help: "Total number of records signed, by result",
	}, []string{"result"})
	AuditVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_verifications_total",
		Help: "Total number of signature verifications, by algorithm and result",
	}, []string{"algorithm", "result"})

	// Cluster properties
	AuditPropertyTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_property_transitions_total",
		Help: "Total number of audit configuration transitions narrated, by event",
	}, []string{"event"})
	AuditInternalEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_audit_internal_enabled",
		Help: "1 when records are written to internal storage, 0 when only the external sink receives them",
	})

	// Storage
	AuditRecordsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_records_stored_total",
		Help: "Total number of records written to internal storage, by result",
	}, []string{"result"})
	AuditSelfFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_self_failures_total",
		Help: "Total number of pipeline failures, by stage and whether the self-audit record was written, suppressed or failed",
	}, []string{"stage", "result"})

	// External sinks
	AuditSinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_sink_errors_total",
		Help: "Total number of audit sink write errors, by sink and error type",
	}, []string{"sink", "error_type"})
	AuditSinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_audit_sink_latency_seconds",
		Help:    "Latency of audit sink writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
	AuditSinkConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_audit_sink_connected",
		Help: "1 when the last write to the sink succeeded",
	}, []string{"sink"})
	AuditCircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_audit_circuit_breaker_state",
		Help: "Circuit breaker state per sink (0=closed, 1=open, 2=half-open)",
	}, []string{"sink"})
	AuditCircuitBreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_circuit_breaker_rejections_total",
		Help: "Total number of writes rejected by an open circuit breaker",
	}, []string{"sink"})
	AuditConfigReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_audit_config_reloads_total",
		Help: "Total number of sink configuration reloads, by status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(AuditRecordsRouted)
	prometheus.MustRegister(AuditRecordsQueued)
	prometheus.MustRegister(AuditSinkPolicyDuration)
	prometheus.MustRegister(AuditFallbackStores)
	prometheus.MustRegister(AuditFilterResults)
	prometheus.MustRegister(AuditSignatures)
	prometheus.MustRegister(AuditVerifications)
	prometheus.MustRegister(AuditPropertyTransitions)
	prometheus.MustRegister(AuditInternalEnabled)
	prometheus.MustRegister(AuditRecordsStored)
	prometheus.MustRegister(AuditSelfFailures)
	prometheus.MustRegister(AuditSinkErrors)
	prometheus.MustRegister(AuditSinkLatency)
	prometheus.MustRegister(AuditSinkConnected)
	prometheus.MustRegister(AuditCircuitBreakerState)
	prometheus.MustRegister(AuditCircuitBreakerRejections)
	prometheus.MustRegister(AuditConfigReloads)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Governance service metrics for production monitoring
var (
	// Authentication metrics
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_auth_attempts_total",
			Help: "Total number of admin secret verifications",
		},
		[]string{"outcome"}, // authorized, invalid_secret, lockout_triggered, locked_out
	)

	AuthLockoutsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_governance_auth_lockouts_active",
			Help: "Number of identities currently locked out",
		},
	)

	// Modification lifecycle metrics
	ModificationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_modification_transitions_total",
			Help: "Total number of modification request transition attempts",
		},
		[]string{"operation", "result"}, // result: success, unauthorized, locked_out, not_pending, not_approved, not_found, lockdown, storage_failure
	)

	ModificationRequestsByRisk = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_modification_requests_total",
			Help: "Total number of submitted modification requests by risk tier",
		},
		[]string{"risk"},
	)

	// Audit store metrics
	AuditAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_audit_appends_total",
			Help: "Total number of audit entries durably appended",
		},
		[]string{"level"},
	)

	AuditAppendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_audit_append_failures_total",
			Help: "Total number of failed audit appends",
		},
	)

	AuditRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_audit_rotations_total",
			Help: "Total number of audit log rotations",
		},
	)

	AuditPrunedFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_governance_audit_pruned_files_total",
			Help: "Total number of archived audit files removed by retention",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_governance_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"route", "method", "status"},
	)

	AuditStreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_governance_audit_stream_clients",
			Help: "Current number of connected audit stream WebSocket clients",
		},
	)
)

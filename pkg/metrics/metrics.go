package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Script execution metrics
var (
	SieveExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_executions_total",
			Help: "Total number of script executions",
		},
		[]string{"source", "result"},
	)

	SieveResourceLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievevm_resource_limit_hits_total",
			Help: "Total number of script executions stopped by the CPU budget",
		},
	)

	SieveInstructions = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sievevm_instructions_per_execution",
			Help:    "Number of instructions dispatched per script execution",
			Buckets: prometheus.ExponentialBuckets(4, 4, 8),
		},
	)

	SieveExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sievevm_execution_duration_seconds",
			Help:    "Wall time of script executions in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"source"},
	)
)

// Result engine metrics
var (
	SieveActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_actions_total",
			Help: "Total number of committed or failed actions",
		},
		[]string{"action", "result"},
	)

	SieveImplicitKeeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_implicit_keeps_total",
			Help: "Total number of implicit keeps executed",
		},
		[]string{"kind"},
	)

	SieveDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_deliveries_total",
			Help: "Total number of messages delivered through the script chain by outcome",
		},
		[]string{"outcome"},
	)
)

// Environment metrics
var (
	RelayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_relay_deliveries_total",
			Help: "Total number of outbound messages handed to the relay",
		},
		[]string{"result"},
	)

	RelayDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sievevm_relay_delivery_duration_seconds",
			Help:    "Duration of relay deliveries in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sievevm_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	DuplicateChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_duplicate_checks_total",
			Help: "Total number of duplicate tracker lookups",
		},
		[]string{"result"},
	)

	DuplicateEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sievevm_duplicate_entries",
			Help: "Number of live entries in the duplicate tracker",
		},
	)

	DuplicatePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievevm_duplicate_purged_total",
			Help: "Total number of expired duplicate tracker entries removed",
		},
	)

	MailboxStores = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_mailbox_stores_total",
			Help: "Total number of messages saved to mailboxes",
		},
		[]string{"result"},
	)

	LMTPConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sievevm_lmtp_connections_total",
			Help: "Total number of LMTP connections accepted",
		},
	)

	LMTPConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sievevm_lmtp_connections_current",
			Help: "Current number of open LMTP connections",
		},
	)

	LMTPCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_lmtp_commands_total",
			Help: "Total number of LMTP commands by command and status",
		},
		[]string{"command", "status"},
	)

	LMTPRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sievevm_lmtp_recipient_deliveries_total",
			Help: "Per-recipient LMTP delivery replies by class",
		},
		[]string{"status"},
	)
)

// Package metrics defines and registers all custom Prometheus metrics for the
// flight-dynamics service. It is the single source of truth for metric names,
// labels, and help strings.
//
// Metrics register with the default Prometheus registry on package init
// through promauto; /metrics exposes them next to the echo request metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fds"

// ── Execution metrics ─────────────────────────────────────────────────────────

// ExecutionsOpenedTotal counts executions allocated in the table.
var ExecutionsOpenedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_opened_total",
		Help:      "Total number of executions opened.",
	},
)

// ExecutionsFinishedTotal counts executions leaving the live table.
// Label:
//   - status: final status ("Completed", "Cancelled", "Stopped")
var ExecutionsFinishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_finished_total",
		Help:      "Total number of executions removed from the live table, by final status.",
	},
	[]string{"status"},
)

// ExecutionsCancelledTotal counts cancellations by reason.
// Label:
//   - reason: "timeout", "expired", "module_failure", "send_failure", "shutdown", "client_gone"
var ExecutionsCancelledTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_cancelled_total",
		Help:      "Total number of cancelled executions, by reason.",
	},
	[]string{"reason"},
)

// ExecutionsInFlight tracks live executions.
var ExecutionsInFlight = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "executions_in_flight",
		Help:      "Current number of executions in the live table.",
	},
)

// DispatchDuration measures a module dispatch from open to close.
// Label:
//   - msg_code: the dispatched operation
var DispatchDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Duration of module dispatches from open to close.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"msg_code"},
)

// ── Reply metrics ─────────────────────────────────────────────────────────────

// RepliesTotal counts frames consumed by the reply router.
// Label:
//   - result: "completed", "control", "progress", "dropped", "decode_error"
var RepliesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replies_total",
		Help:      "Total number of frames consumed from the reply channel, by result.",
	},
	[]string{"result"},
)

// ── Module metrics ────────────────────────────────────────────────────────────

// ModuleRestartsTotal counts instance restarts.
// Label:
//   - module: module name
var ModuleRestartsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "module_restarts_total",
		Help:      "Total number of module instance restarts.",
	},
	[]string{"module"},
)

// ModuleInstancesAvailable tracks instances that are Running and Ready.
var ModuleInstancesAvailable = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "module_instances_available",
		Help:      "Current number of module instances accepting dispatches.",
	},
)

// ── Audit metrics ─────────────────────────────────────────────────────────────

// AuditWritesTotal counts audit writes.
// Labels:
//   - kind: "execution" or "access"
//   - result: "ok", "retry", "dropped"
var AuditWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_writes_total",
		Help:      "Total number of audit write attempts, by kind and result.",
	},
	[]string{"kind", "result"},
)

// DedupTotal counts msg-id deduplication decisions.
// Label:
//   - result: "hit", "miss", or "error"
var DedupTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_total",
		Help:      "Total number of msg-id deduplication checks, labelled by result.",
	},
	[]string{"result"},
)

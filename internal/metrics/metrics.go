// Package metrics provides Prometheus metrics for the maintenance controller
// and the Prometheus liveness client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/softcane/maintenance-controller/internal/maintenance"
)

const namespace = "maintenance_controller"

var (
	// RebalanceFailures counts rebalances blocked by a maintenance-related
	// constraint, across both pipelines.
	RebalanceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_failure_total",
			Help:      "Rebalances that failed because of a maintenance-related constraint",
		},
		[]string{"cluster"},
	)

	// TaskRebalanceFailures counts failures of the task pipeline.
	TaskRebalanceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuous_task_rebalance_failure_total",
			Help:      "Task pipeline rebalances that failed because of a maintenance-related constraint",
		},
		[]string{"cluster"},
	)

	// ResourceRebalanceFailures counts failures of the resource pipeline.
	ResourceRebalanceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuous_resource_rebalance_failure_total",
			Help:      "Resource pipeline rebalances that failed because of a maintenance-related constraint",
		},
		[]string{"cluster"},
	)

	// MaintenanceEnabled is 1 while the cluster is in maintenance.
	MaintenanceEnabled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_enabled",
			Help:      "Whether the cluster is in maintenance (1) or not (0)",
		},
		[]string{"cluster"},
	)

	// MaintenanceState is 1 for the current controller state and 0 for the others.
	MaintenanceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_state",
			Help:      "Current maintenance state of the cluster",
		},
		[]string{"cluster", "state"},
	)

	// Transitions counts recorded history entries.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Maintenance transitions grouped by operation and triggering entity",
		},
		[]string{"cluster", "operation_type", "triggered_by"},
	)

	// AutoVerdicts counts evaluator verdicts by reason ("none" when no check matched).
	AutoVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_verdict_total",
			Help:      "Automatic maintenance verdicts grouped by reason",
		},
		[]string{"cluster", "reason"},
	)

	// CommandsApplied counts operator commands by outcome.
	// outcome=enable|disable|noop|superseded
	CommandsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Operator maintenance commands grouped by outcome",
		},
		[]string{"cluster", "outcome"},
	)

	// PassErrors counts failed steps of a reconcile pass.
	// stage=snapshot|signal_read|signal_write|commands
	PassErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_errors_total",
			Help:      "Reconcile pass failures grouped by stage",
		},
		[]string{"cluster", "stage"},
	)

	// HistoryAppendFailures counts history entries that were dropped.
	HistoryAppendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_append_failure_total",
			Help:      "History entries dropped because the append failed",
		},
		[]string{"cluster"},
	)

	// ReconcileLoopDuration tracks the duration of one pass.
	ReconcileLoopDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_loop_duration_seconds",
			Help:      "Duration of a complete reconcile pass",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"cluster"},
	)

	// InstancesOffline tracks the offline instance count seen by the last pass.
	InstancesOffline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_offline",
			Help:      "Instances that were not live during the last pass",
		},
		[]string{"cluster"},
	)

	// DeferredResources tracks resources registered during maintenance and awaiting placement.
	DeferredResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deferred_resources",
			Help:      "Resources created during maintenance awaiting their first placement",
		},
		[]string{"cluster"},
	)
)

var states = []maintenance.State{
	maintenance.StateNotInMaintenance,
	maintenance.StateInMaintenanceAuto,
	maintenance.StateInMaintenanceManual,
}

// RecordState publishes the current controller state of cluster.
func RecordState(cluster string, state maintenance.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		MaintenanceState.WithLabelValues(cluster, string(s)).Set(v)
	}
	enabled := 0.0
	if state != maintenance.StateNotInMaintenance {
		enabled = 1
	}
	MaintenanceEnabled.WithLabelValues(cluster).Set(enabled)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine metrics

	// EngineActionsTotal counts engine calls by operation and outcome code.
	EngineActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_engine_actions_total",
			Help: "Total number of approval engine operations",
		},
		[]string{"operation", "result"},
	)

	// EngineActionDuration measures the duration of an engine unit of work.
	EngineActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "approval_engine_action_duration_seconds",
			Help:    "Approval engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// TasksCreatedTotal counts tasks created per approval mode.
	TasksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_tasks_created_total",
			Help: "Total number of approval tasks created",
		},
		[]string{"mode"},
	)

	// InstancesCompletedTotal counts instances reaching a terminal status.
	InstancesCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_instances_completed_total",
			Help: "Total number of approval instances reaching a terminal status",
		},
		[]string{"status"},
	)

	// TimeoutsHandledTotal counts processed task timeouts by action.
	TimeoutsHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_timeouts_handled_total",
			Help: "Total number of task timeouts handled",
		},
		[]string{"action"},
	)

	// Notification metrics

	// NotificationsTotal counts notifications by type and delivery result
	// (sent, failed, deduplicated).
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "approval_notifications_total",
			Help: "Total number of approval notifications",
		},
		[]string{"type", "result"},
	)
)

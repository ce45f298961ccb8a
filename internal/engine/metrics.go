package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksAssignedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annohub",
		Subsystem: "allocation",
		Name:      "tasks_assigned_total",
		Help:      "Tasks handed out by pull operations, by stage.",
	}, []string{"stage"})

	tasksUnassignedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annohub",
		Subsystem: "allocation",
		Name:      "tasks_unassigned_total",
		Help:      "Tasks handed back, by stage.",
	}, []string{"stage"})

	lockConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "annohub",
		Subsystem: "allocation",
		Name:      "lock_conflicts_total",
		Help:      "Lock acquisitions that timed out, by stage.",
	}, []string{"stage"})
)

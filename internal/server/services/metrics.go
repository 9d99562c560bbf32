package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspacesync_reconcile_runs_total",
		Help: "Reconciliation runs by outcome",
	}, []string{"outcome"})

	reconcileRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspacesync_reconcile_records_total",
		Help: "External records processed by entity type and resolution",
	}, []string{"entity_type", "result"})

	reconcileBindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspacesync_reconcile_bindings_total",
		Help: "Reconciled bindings by entity type and status",
	}, []string{"entity_type", "status"})

	reconcileBindingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "workspacesync_reconcile_binding_duration_seconds",
		Help:    "Duration of reconciling one binding",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"entity_type"})

	mirrorWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspacesync_mirror_writes_total",
		Help: "Outbound single record writes by entity type and outcome",
	}, []string{"entity_type", "outcome"})
)

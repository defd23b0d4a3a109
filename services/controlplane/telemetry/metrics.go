// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry exposes the control plane's Prometheus metrics.
//
// Metrics are constructed once at startup against an explicit registerer
// and passed by reference to consumers; there is no package-level
// default registry usage.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every control-plane series.
type Metrics struct {
	PlanTransitions      *prometheus.CounterVec
	StepExecutions       *prometheus.CounterVec
	PolicyRejections     prometheus.Counter
	AuditAppends         prometheus.Counter
	TasksEnqueued        prometheus.Counter
	TasksClaimed         prometheus.Counter
	TasksFinished        *prometheus.CounterVec
	ResultsDeduplicated  prometheus.Counter
	NotificationsDropped prometheus.Counter
	OpenIncidents        prometheus.Gauge
}

// New registers and returns the metric set. reg may be a custom registry
// in tests; pass prometheus.DefaultRegisterer in production wiring.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlanTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_plan_transitions_total",
			Help: "Plan status transitions by resulting status.",
		}, []string{"status"}),
		StepExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_step_executions_total",
			Help: "Plan step execution attempts by outcome.",
		}, []string{"outcome"}),
		PolicyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_policy_rejections_total",
			Help: "Plans rejected by the policy gate.",
		}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_audit_appends_total",
			Help: "Entries appended to the audit hash chain.",
		}),
		TasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_worker_tasks_enqueued_total",
			Help: "Worker tasks created by enqueue (idempotent hits excluded).",
		}),
		TasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_worker_tasks_claimed_total",
			Help: "Successful task claims.",
		}),
		TasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "haven_worker_tasks_finished_total",
			Help: "Worker task completions by outcome.",
		}, []string{"outcome"}),
		ResultsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_worker_results_deduplicated_total",
			Help: "Duplicate result envelopes dropped by idempotency key.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "haven_notifications_dropped_total",
			Help: "Notifications dropped because the outbound buffer was full.",
		}),
		OpenIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "haven_open_incidents",
			Help: "Currently open incidents.",
		}),
	}
	reg.MustRegister(
		m.PlanTransitions,
		m.StepExecutions,
		m.PolicyRejections,
		m.AuditAppends,
		m.TasksEnqueued,
		m.TasksClaimed,
		m.TasksFinished,
		m.ResultsDeduplicated,
		m.NotificationsDropped,
		m.OpenIncidents,
	)
	return m
}

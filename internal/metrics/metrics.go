// Package metrics exposes Prometheus instruments for the board: lifecycle
// outcomes, sweep activity, push clients and gateway traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// LifecycleOperations counts engine operations by op and outcome. outcome is
// "ok", "error" or the failure kind.
var LifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "lifecycle_operations_total",
	Help:      "Lifecycle operations by operation and outcome.",
}, []string{"op", "outcome"})

// LifecycleDuration tracks operation latency including the store round trip.
var LifecycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "taskboard",
	Name:      "lifecycle_duration_seconds",
	Help:      "Lifecycle operation duration in seconds.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
}, []string{"op"})

// TasksReleased counts claims reclaimed by the timeout sweep.
var TasksReleased = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "tasks_released_total",
	Help:      "Total tasks released after claim timeout.",
})

// SweepRuns counts completed release sweeps, including ones that released
// nothing.
var SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "sweep_runs_total",
	Help:      "Completed timeout release sweeps.",
})

// TasksArchived counts tasks moved to archived by column archiving.
var TasksArchived = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "tasks_archived_total",
	Help:      "Total tasks archived.",
})

// ─── Gateway ────────────────────────────────────────────────────────────────

// WSClients is the number of connected push clients.
var WSClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "taskboard",
	Name:      "ws_clients",
	Help:      "Connected websocket clients.",
})

// HTTPRequests counts gateway requests by route pattern and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "http_requests_total",
	Help:      "Gateway requests by route and status code.",
}, []string{"route", "code"})

// RateLimited counts requests rejected with 429, by limiter class.
var RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "rate_limited_total",
	Help:      "Requests rejected by the rate limiter.",
}, []string{"class"})

// PolicyDenials counts requests rejected by the access policy.
var PolicyDenials = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "policy_denials_total",
	Help:      "Requests denied by role capability policy.",
})

// NotificationsDropped counts events dropped because a subscriber was full.
var NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "notifications_dropped_total",
	Help:      "Board events dropped for slow subscribers.",
})

// SPDX-License-Identifier: MPL-2.0

// Package metrics provides Prometheus instrumentation for the worker pool, the
// accept loop, connections and service lifecycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/invowk/sockserve/internal/connection"
	"github.com/invowk/sockserve/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "sockserve"

// Metrics owns a private registry so that several servers (and parallel tests)
// can be instrumented without colliding on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	tasksQueued   prometheus.Counter
	tasksRejected prometheus.Counter
	tasksActive   prometheus.Gauge
	taskWait      prometheus.Histogram
	taskDuration  prometheus.Histogram
	tasksTotal    *prometheus.CounterVec

	accepted     *prometheus.CounterVec
	acceptErrors *prometheus.CounterVec
	connsActive  *prometheus.GaugeVec
	connsTotal   *prometheus.CounterVec
	interrupted  *prometheus.CounterVec

	serviceState *prometheus.GaugeVec
}

// New creates and registers all collectors. When withRuntime is true the Go
// runtime and process collectors are registered as well.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "tasks_queued_total",
			Help:      "Total number of tasks accepted into the dispatch queue",
		}),
		tasksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "tasks_rejected_total",
			Help:      "Total number of tasks refused because the queue was full",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "tasks_active",
			Help:      "Number of tasks currently executing",
		}),
		taskWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "task_wait_seconds",
			Help:      "Time tasks spent queued before a worker picked them up",
			Buckets:   prometheus.DefBuckets,
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Duration of task execution",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Total number of executed tasks",
		}, []string{"result"}), // result: success, failure

		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "accepted_total",
			Help:      "Total number of accepted transport connections",
		}, []string{"server"}),
		acceptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "accept_errors_total",
			Help:      "Total number of unexpected accept failures",
		}, []string{"server"}),
		connsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "active",
			Help:      "Number of started connections not yet closed",
		}, []string{"server"}),
		connsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "closed_total",
			Help:      "Total number of closed connections",
		}, []string{"server"}),
		interrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "interrupted_total",
			Help:      "Total number of connections whose processing failed",
		}, []string{"server"}),

		serviceState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "state",
			Help:      "Current lifecycle state (0=uninitialized .. 5=destroyed)",
		}, []string{"service"}),
	}

	m.registry.MustRegister(
		m.tasksQueued, m.tasksRejected, m.tasksActive, m.taskWait, m.taskDuration, m.tasksTotal,
		m.accepted, m.acceptErrors, m.connsActive, m.connsTotal, m.interrupted,
		m.serviceState,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return m
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// --- dispatch.Recorder ---

// TaskQueued records a task accepted into the queue.
func (m *Metrics) TaskQueued() {
	m.tasksQueued.Inc()
}

// TaskRejected records a task refused by the queue.
func (m *Metrics) TaskRejected() {
	m.tasksRejected.Inc()
}

// TaskStarted records a task picked up by a worker after waiting for wait.
func (m *Metrics) TaskStarted(wait time.Duration) {
	m.tasksActive.Inc()
	m.taskWait.Observe(wait.Seconds())
}

// TaskFinished records a completed task.
func (m *Metrics) TaskFinished(d time.Duration, err error) {
	m.tasksActive.Dec()
	m.taskDuration.Observe(d.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.tasksTotal.WithLabelValues(result).Inc()
}

// --- accept loop ---

// ConnectionAccepted records an accepted transport connection on server.
func (m *Metrics) ConnectionAccepted(server string) {
	m.accepted.WithLabelValues(server).Inc()
}

// AcceptFailed records an unexpected accept error on server.
func (m *Metrics) AcceptFailed(server string) {
	m.acceptErrors.WithLabelValues(server).Inc()
}

// ConnectionListener returns a connection.Listener that tracks active, closed and
// interrupted connections for server.
func (m *Metrics) ConnectionListener(server string) connection.Listener {
	active := m.connsActive.WithLabelValues(server)
	closed := m.connsTotal.WithLabelValues(server)
	interrupted := m.interrupted.WithLabelValues(server)
	return &connection.ListenerFuncs{
		OnStarted:     func(connection.Connection) { active.Inc() },
		OnClosed:      func(c connection.Connection) { closed.Inc(); decIfStarted(active, c) },
		OnInterrupted: func(connection.Connection, error) { interrupted.Inc() },
	}
}

// StateListener returns a service.Listener exporting the lifecycle state.
func (m *Metrics) StateListener() service.Listener {
	return &stateListener{gauge: m.serviceState}
}

type stateListener struct {
	gauge *prometheus.GaugeVec
}

func (s *stateListener) StateChanged(ev service.Event) {
	s.gauge.WithLabelValues(ev.Service).Set(float64(ev.To))
}

// decIfStarted decrements active only for connections that reached the started
// event; connections refused before Connect are closed without starting.
func decIfStarted(active prometheus.Gauge, c connection.Connection) {
	if s, ok := c.(interface{ WasStarted() bool }); ok && !s.WasStarted() {
		return
	}
	active.Dec()
}

// Package metrics holds the Prometheus collectors of the approvals service.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approvals"

// Metrics groups the service collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsCreated      *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	notificationsSent    *prometheus.CounterVec
	notificationsDropped prometheus.Counter
	notificationsFailed  *prometheus.CounterVec
	overdueRequests      prometheus.Gauge
	stuckRequests        prometheus.Gauge
	escalations          prometheus.Counter
	httpDuration         *prometheus.HistogramVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_created_total",
			Help:      "Approval requests created, by initial status.",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Request state transitions, by action type.",
		}, []string{"action"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered, by type.",
		}, []string{"type"}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the dispatch buffer was full or closed.",
		}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notification delivery failures, by stage.",
		}, []string{"stage"}),
		overdueRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overdue_requests",
			Help:      "Pending requests past their SLA deadline at the last sweep.",
		}),
		stuckRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stuck_requests",
			Help:      "Pending requests without a current approver at the last sweep.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sla_escalations_total",
			Help:      "Escalation notices sent by the SLA monitor.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsCreated,
		m.transitions,
		m.notificationsSent,
		m.notificationsDropped,
		m.notificationsFailed,
		m.overdueRequests,
		m.stuckRequests,
		m.escalations,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RequestCreated(status string) {
	if m == nil {
		return
	}
	m.requestsCreated.WithLabelValues(status).Inc()
}

func (m *Metrics) Transition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) NotificationSent(notificationType string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(notificationType).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notificationsDropped.Inc()
}

func (m *Metrics) NotificationFailed(stage string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(stage).Inc()
}

// SweepCompleted records the result of one SLA sweep.
func (m *Metrics) SweepCompleted(overdue, stuck, escalated int) {
	if m == nil {
		return
	}
	m.overdueRequests.Set(float64(overdue))
	m.stuckRequests.Set(float64(stuck))
	m.escalations.Add(float64(escalated))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

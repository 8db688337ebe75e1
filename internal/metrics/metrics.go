// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the coordination layer reports.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	EventsUnhandled prometheus.Counter
	TasksSubmitted  prometheus.Counter
	TasksDispatched prometheus.Counter
	TasksByStatus   *prometheus.GaugeVec
}

// New builds the metric set on the given registry. A nil registry gets a
// fresh private one, which keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskwire",
			Name:      "events_processed_total",
			Help:      "Lifecycle events processed, by event kind.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskwire",
			Name:      "events_dropped_total",
			Help:      "Messages dropped because they could not be decoded.",
		}),
		EventsUnhandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskwire",
			Name:      "events_unhandled_total",
			Help:      "Events with an unrecognized dispatch key.",
		}),
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskwire",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted through the submit subject.",
		}),
		TasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskwire",
			Name:      "tasks_dispatched_total",
			Help:      "Ready tasks re-published to the dispatch subject.",
		}),
		TasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskwire",
			Name:      "tasks_by_status",
			Help:      "Current number of tasks in each status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.EventsProcessed,
		m.EventsDropped,
		m.EventsUnhandled,
		m.TasksSubmitted,
		m.TasksDispatched,
		m.TasksByStatus,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

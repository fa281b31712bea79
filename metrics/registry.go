// Package metrics encapsulates the broker's Prometheus metrics behind a
// registry struct, avoiding global collector state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petal-labs/pulse/event"
)

// Registry holds all broker metrics and provides recording methods without
// global state.
type Registry struct {
	registry *prometheus.Registry

	// Ingest metrics
	publishedTotal *prometheus.CounterVec
	rejectedTotal  *prometheus.CounterVec

	// Job metrics
	jobTransitionsTotal *prometheus.CounterVec

	// HTTP metrics
	requestsTotal *prometheus.CounterVec
}

// NewRegistry creates a registry with all broker metrics initialized.
// subscriberCount and droppedCount, when non-nil, are polled on scrape for
// the live-subscriber gauge and the dropped-events counter.
func NewRegistry(subscriberCount func() int, droppedCount func() uint64) *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_events_published_total",
				Help: "Total number of events published to the bus",
			},
			[]string{"topic", "kind"},
		),

		rejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_ingest_rejected_total",
				Help: "Total number of rejected ingest submissions",
			},
			[]string{"topic", "reason"}, // reason: validation, rate_limit
		),

		jobTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_job_transitions_total",
				Help: "Total number of job status transitions",
			},
			[]string{"status"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulse_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.publishedTotal,
		r.rejectedTotal,
		r.jobTransitionsTotal,
		r.requestsTotal,
	)

	if subscriberCount != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "pulse_subscribers_active",
				Help: "Current number of live subscribers across all topics",
			},
			func() float64 { return float64(subscriberCount()) },
		))
	}
	if droppedCount != nil {
		registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "pulse_events_dropped_total",
				Help: "Total number of events dropped from subscriber buffers",
			},
			func() float64 { return float64(droppedCount()) },
		))
	}

	return r
}

// Handler returns the HTTP handler for the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// EventHandler returns a bus publish handler that counts published events.
// It is non-blocking and safe to register with MemBus.OnPublish.
func (r *Registry) EventHandler() event.Handler {
	return func(e event.Event) {
		r.publishedTotal.WithLabelValues(e.Topic, string(e.Kind)).Inc()
		switch e.Kind {
		case event.KindJobCreated:
			r.jobTransitionsTotal.WithLabelValues("pending").Inc()
		case event.KindJobCancelled:
			r.jobTransitionsTotal.WithLabelValues("cancelled").Inc()
		case event.KindJobFinished:
			if status, ok := e.Payload["status"].(string); ok {
				r.jobTransitionsTotal.WithLabelValues(status).Inc()
			}
		}
	}
}

// RecordRejected counts a rejected ingest submission.
func (r *Registry) RecordRejected(topic, reason string) {
	r.rejectedTotal.WithLabelValues(topic, reason).Inc()
}

// RecordRequest counts a handled HTTP request by route pattern and status
// code class.
func (r *Registry) RecordRequest(route, status string) {
	r.requestsTotal.WithLabelValues(route, status).Inc()
}

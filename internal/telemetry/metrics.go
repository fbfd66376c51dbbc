package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Load outcomes recorded by RecordLoad.
const (
	LoadResultLoaded = "loaded"
	LoadResultEmpty  = "empty"
	LoadResultFailed = "failed"
)

// Metrics provides Prometheus metrics for API calls, relationship loads,
// mutations, and published events. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	loadsTotal       *prometheus.CounterVec
	mutationsTotal   *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
}

// NewMetrics creates a collector registered on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myft_requests_total",
				Help: "Total number of API requests made",
			},
			[]string{"method", "status_code", "kind"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "myft_request_duration_seconds",
				Help:    "Duration of API requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "myft_requests_in_flight",
				Help: "Number of API requests currently in flight",
			},
			[]string{"method"},
		),
		loadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myft_relationship_loads_total",
				Help: "Total number of relationship collection loads by outcome",
			},
			[]string{"relationship", "result"},
		),
		mutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myft_mutations_total",
				Help: "Total number of relationship mutations by action and outcome",
			},
			[]string{"action", "result"},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "myft_events_published_total",
				Help: "Total number of events published on the local bus",
			},
			[]string{"action"},
		),
	}
}

// RequestStarted marks one request in flight and returns a completion func.
func (m *Metrics) RequestStarted(method string) func(statusCode int, kind string) {
	if m == nil {
		return func(int, string) {}
	}

	started := time.Now()
	m.requestsInFlight.WithLabelValues(method).Inc()

	return func(statusCode int, kind string) {
		m.requestsInFlight.WithLabelValues(method).Dec()
		m.requestDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
		if kind == "" {
			kind = "ok"
		}
		m.requestsTotal.WithLabelValues(method, strconv.Itoa(statusCode), kind).Inc()
	}
}

// RecordLoad counts one relationship load outcome.
func (m *Metrics) RecordLoad(relationship, result string) {
	if m == nil {
		return
	}
	m.loadsTotal.WithLabelValues(relationship, result).Inc()
}

// RecordMutation counts one add or remove outcome.
func (m *Metrics) RecordMutation(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutationsTotal.WithLabelValues(action, result).Inc()
}

// RecordEvent counts one published event by its trailing action segment.
func (m *Metrics) RecordEvent(action string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(action).Inc()
}

// Package metrics содержит prometheus-коллекторы агрегатора
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clinicsync"

// Metrics набор коллекторов агрегатора на собственном реестре
type Metrics struct {
	registry        *prometheus.Registry
	outcomes        *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	deltasServed    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New создает и регистрирует коллекторы
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_outcomes_total",
			Help:      "Processed change records by node and result.",
		}, []string{"node_id", "result"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_reported_total",
			Help:      "Conflict records returned to nodes by type.",
		}, []string{"type"}),
		deltasServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pull_deltas_total",
			Help:      "Deltas served by collection.",
		}, []string{"collection"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}

	m.registry.MustRegister(
		m.outcomes,
		m.conflicts,
		m.deltasServed,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveOutcome учитывает исход одной записи
func (m *Metrics) ObserveOutcome(nodeID, result string) {
	m.outcomes.WithLabelValues(nodeID, result).Inc()
}

// ObserveConflict учитывает конфликт, отданный узлу
func (m *Metrics) ObserveConflict(conflictType string) {
	m.conflicts.WithLabelValues(conflictType).Inc()
}

// ObserveDeltas учитывает отданные при pull дельты
func (m *Metrics) ObserveDeltas(collection string, n int) {
	m.deltasServed.WithLabelValues(collection).Add(float64(n))
}

// ObserveRequest учитывает длительность HTTP запроса
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Registry возвращает реестр для тестов и дополнительных коллекторов
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler отдает метрики в формате prometheus
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

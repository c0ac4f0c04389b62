// Package metrics exposes process and queue-depth counters on GET /metrics
// (spec §6.2), grounded on the teacher's Prometheus-based collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Collector holds the counters tasksvc increments as tasks move through
// their lease lifecycle, labeled per project so a single instance serving
// many projects reports separately for each.
type Collector struct {
	registry   *prometheus.Registry
	claims     *prometheus.CounterVec
	completes  *prometheus.CounterVec
	fails      *prometheus.CounterVec
	requeues   *prometheus.CounterVec
	reclaims   *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// New builds a Collector registered on its own registry, isolated from the
// default global one so tests can create multiple instances safely.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Name: "tasks_claimed_total",
			Help: "Total tasks claimed by an agent.",
		}, []string{"project_id"}),
		completes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Name: "tasks_completed_total",
			Help: "Total tasks completed successfully.",
		}, []string{"project_id"}),
		fails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Name: "tasks_failed_total",
			Help: "Total tasks that failed permanently (retries exhausted).",
		}, []string{"project_id"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Name: "tasks_requeued_total",
			Help: "Total tasks requeued for retry after a failure.",
		}, []string{"project_id"}),
		reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskforge", Name: "leases_reclaimed_total",
			Help: "Total tasks reclaimed from an expired lease.",
		}, []string{"project_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskforge", Name: "queue_depth",
			Help: "Queued tasks awaiting a claim, last observed.",
		}, []string{"project_id"}),
	}
	c.registry.MustRegister(c.claims, c.completes, c.fails, c.requeues, c.reclaims, c.queueDepth, prometheus.NewGoCollector())
	return c
}

func (c *Collector) ObserveClaim(projectID string)    { c.claims.WithLabelValues(projectID).Inc() }
func (c *Collector) ObserveComplete(projectID string) { c.completes.WithLabelValues(projectID).Inc() }
func (c *Collector) ObserveFail(projectID string)     { c.fails.WithLabelValues(projectID).Inc() }
func (c *Collector) ObserveRequeue(projectID string)  { c.requeues.WithLabelValues(projectID).Inc() }
func (c *Collector) ObserveReclaim(projectID string, count int) {
	c.reclaims.WithLabelValues(projectID).Add(float64(count))
}
func (c *Collector) SetQueueDepth(projectID string, depth int) {
	c.queueDepth.WithLabelValues(projectID).Set(float64(depth))
}

// Handler returns the http.Handler for GET /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes prometheus collectors for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the pipeline collectors. A nil *Metrics is valid and
// turns every record call into a no-op, so tests can pass nil freely.
type Metrics struct {
	PagesProcessed   *prometheus.CounterVec
	VisionRequests   *prometheus.CounterVec
	VisionCacheHits  prometheus.Counter
	RateLimitWaits   prometheus.Histogram
	JobsFinalized    *prometheus.CounterVec
	PageDuration     prometheus.Histogram
	TaskRetries      *prometheus.CounterVec
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PagesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statement_pages_processed_total",
			Help: "Pages processed, by outcome.",
		}, []string{"outcome"}),
		VisionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statement_vision_requests_total",
			Help: "Vision extraction requests, by tier and result.",
		}, []string{"tier", "result"}),
		VisionCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "statement_vision_cache_hits_total",
			Help: "Vision responses served from the content-hash cache.",
		}),
		RateLimitWaits: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "statement_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit slot.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		JobsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statement_jobs_finalized_total",
			Help: "Jobs finalized, by terminal status.",
		}, []string{"status"}),
		PageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "statement_page_duration_seconds",
			Help:    "End-to-end duration of a single page unit.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}),
		TaskRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statement_task_retries_total",
			Help: "Task retries scheduled, by task name.",
		}, []string{"task"}),
	}
}

// RecordPage counts one processed page with the given outcome ("ok"/"failed").
func (m *Metrics) RecordPage(outcome string) {
	if m == nil {
		return
	}
	m.PagesProcessed.WithLabelValues(outcome).Inc()
}

// RecordVisionRequest counts one vision call for a tier with a result label.
func (m *Metrics) RecordVisionRequest(tier, result string) {
	if m == nil {
		return
	}
	m.VisionRequests.WithLabelValues(tier, result).Inc()
}

// RecordCacheHit counts one cache-served vision response.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.VisionCacheHits.Inc()
}

// RecordRateLimitWait records how long a caller waited for a slot.
func (m *Metrics) RecordRateLimitWait(seconds float64) {
	if m == nil {
		return
	}
	m.RateLimitWaits.Observe(seconds)
}

// RecordJobFinalized counts one finalized job by terminal status.
func (m *Metrics) RecordJobFinalized(status string) {
	if m == nil {
		return
	}
	m.JobsFinalized.WithLabelValues(status).Inc()
}

// RecordPageDuration records the wall time of one page unit.
func (m *Metrics) RecordPageDuration(seconds float64) {
	if m == nil {
		return
	}
	m.PageDuration.Observe(seconds)
}

// RecordTaskRetry counts one scheduled retry for a task name.
func (m *Metrics) RecordTaskRetry(task string) {
	if m == nil {
		return
	}
	m.TaskRetries.WithLabelValues(task).Inc()
}

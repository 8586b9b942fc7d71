// Package metrics exposes Prometheus collectors for the federation service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	announcementsTotal         *prometheus.CounterVec
	crawlDomainsTotal          *prometheus.CounterVec
	instanceUpsertsTotal       *prometheus.CounterVec
	poolTasksTotal             *prometheus.CounterVec
	poolQueueDepth             *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	outboundThrottleSeconds    prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; the package functions no-op until it has run.
func Init() {
	once.Do(func() {
		announcementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_announcements_total",
				Help: "Total announcement deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlDomainsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_crawl_domains_total",
				Help: "Total domains handled during crawls, labeled by result.",
			},
			[]string{"result"},
		)

		instanceUpsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "federation_instance_upserts_total",
				Help: "Total instance record upserts, labeled by source.",
			},
			[]string{"source"},
		)

		poolTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_pool_tasks_total",
				Help: "Total worker pool tasks, labeled by pool and final state.",
			},
			[]string{"pool", "state"},
		)

		poolQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "worker_pool_queue_depth",
				Help: "Number of tasks currently waiting in the pool queue.",
			},
			[]string{"pool"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		outboundThrottleSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "federation_outbound_throttle_seconds",
				Help:    "Histogram of delays imposed by the outbound rate limiter.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAnnouncement increments the announcement counter for the outcome.
func ObserveAnnouncement(outcome string) {
	if announcementsTotal != nil {
		announcementsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveCrawlDomain increments the crawl domain counter for the result.
func ObserveCrawlDomain(result string) {
	if crawlDomainsTotal != nil {
		crawlDomainsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveInstanceUpsert increments the upsert counter for the source
// ("announce" or "crawl").
func ObserveInstanceUpsert(source string) {
	if instanceUpsertsTotal != nil {
		instanceUpsertsTotal.WithLabelValues(source).Inc()
	}
}

// ObservePoolTask increments the pool task counter for a terminal state.
func ObservePoolTask(pool, state string) {
	if poolTasksTotal != nil {
		poolTasksTotal.WithLabelValues(pool, state).Inc()
	}
}

// SetPoolQueueDepth records the current pending queue depth for a pool.
func SetPoolQueueDepth(pool string, depth int) {
	if poolQueueDepth != nil {
		poolQueueDepth.WithLabelValues(pool).Set(float64(depth))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveOutboundThrottle records a delay imposed by the outbound rate
// limiter.
func ObserveOutboundThrottle(delay time.Duration) {
	if outboundThrottleSeconds != nil {
		outboundThrottleSeconds.Observe(delay.Seconds())
	}
}

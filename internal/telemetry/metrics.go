package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions         = prometheus.NewCounter(prometheus.CounterOpts{Name: "repurposer_submissions_total", Help: "Generation jobs submitted"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "repurposer_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	InsufficientCredits = prometheus.NewCounter(prometheus.CounterOpts{Name: "repurposer_insufficient_credits_total", Help: "Submissions rejected for lack of credits"})
	Completions         = prometheus.NewCounter(prometheus.CounterOpts{Name: "repurposer_completions_total", Help: "Generations completed successfully"})
	Retries             = prometheus.NewCounter(prometheus.CounterOpts{Name: "repurposer_retries_total", Help: "Generation attempts scheduled for retry"})
	Failures            = prometheus.NewCounter(prometheus.CounterOpts{Name: "repurposer_failures_total", Help: "Generations that exhausted retries"})
	PendingDepth        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "repurposer_pending_depth", Help: "Generations eligible for a worker tick"})
	ProcessingSeconds   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "repurposer_processing_seconds",
		Help:    "End-to-end worker processing duration per generation",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			RateLimitRejects,
			InsufficientCredits,
			Completions,
			Retries,
			Failures,
			PendingDepth,
			ProcessingSeconds,
		)
	})
	return promhttp.Handler()
}

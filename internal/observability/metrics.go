// Package observability exposes Prometheus metrics for the acquisition
// engine: HTTP client requests, browser pool fetches, the Fetch Pipeline's
// per-URL lifecycle, and discovery runs.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the engine registers. All
// counters/histograms are labeled by source so a single process running
// several sources still attributes load correctly.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestsFailed  *prometheus.CounterVec
	RequestsRetried *prometheus.CounterVec
	ResponseStatus  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BrowserFetches         *prometheus.CounterVec
	BrowserUnavailable     *prometheus.CounterVec
	BrowserEndpointHealthy *prometheus.GaugeVec

	URLsDiscovered *prometheus.CounterVec
	URLsFetched    *prometheus.CounterVec
	URLsSkipped    *prometheus.CounterVec
	URLsFailed     *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	ActiveWorkers  *prometheus.GaugeVec

	BytesDownloaded *prometheus.CounterVec

	registry *prometheus.Registry
}

// New builds a Metrics instance registered against its own registry, so
// multiple engine instances in the same process never collide on
// collector names.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_requests_total",
			Help: "Total HTTP requests issued by the HTTP Client.",
		}, []string{"source"}),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_requests_failed_total",
			Help: "Total HTTP requests that failed at the transport level without a response.",
		}, []string{"source"}),
		RequestsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_requests_retried_total",
			Help: "Total retry attempts issued by the HTTP Client.",
		}, []string{"source"}),
		ResponseStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_response_status_total",
			Help: "Total responses received, labeled by status class.",
		}, []string{"source", "class"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "corpus_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),

		BrowserFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_browser_fetches_total",
			Help: "Total fetches routed through the Browser Pool.",
		}, []string{"source", "outcome"}),
		BrowserUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_browser_unavailable_total",
			Help: "Total fetches aborted because no browser endpoint was reachable.",
		}, []string{"source"}),
		BrowserEndpointHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corpus_browser_endpoint_healthy",
			Help: "1 if a browser endpoint is currently healthy, 0 otherwise.",
		}, []string{"endpoint"}),

		URLsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_urls_discovered_total",
			Help: "Total URLs added to the Crawl Store by a Discovery Engine run.",
		}, []string{"source"}),
		URLsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_urls_fetched_total",
			Help: "Total URLs whose fetched content the Fetch Pipeline saved to the Content Store, unchanged content included.",
		}, []string{"source"}),
		URLsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_urls_skipped_total",
			Help: "Total URLs skipped via a 304 Not Modified or validator match.",
		}, []string{"source"}),
		URLsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_urls_failed_total",
			Help: "Total URLs that failed fetching and were scheduled for retry.",
		}, []string{"source"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corpus_queue_depth",
			Help: "Current depth of the Fetch Pipeline's URL channel.",
		}, []string{"source"}),
		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "corpus_active_workers",
			Help: "Currently running Fetch Pipeline workers.",
		}, []string{"source"}),

		BytesDownloaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corpus_bytes_downloaded_total",
			Help: "Total response body bytes written to the Content Store.",
		}, []string{"source"}),

		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestsFailed, m.RequestsRetried, m.ResponseStatus, m.RequestDuration,
		m.BrowserFetches, m.BrowserUnavailable, m.BrowserEndpointHealthy,
		m.URLsDiscovered, m.URLsFetched, m.URLsSkipped, m.URLsFailed, m.QueueDepth, m.ActiveWorkers,
		m.BytesDownloaded,
	)
	return m
}

// ObserveResponse records a completed HTTP request's status class and
// latency.
func (m *Metrics) ObserveResponse(source string, statusCode int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(source).Inc()
	m.RequestDuration.WithLabelValues(source).Observe(duration.Seconds())
	m.ResponseStatus.WithLabelValues(source, statusClass(statusCode)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Handler returns an http.Handler serving this Metrics' registry in
// Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics and /health on addr. It
// blocks until ctx is canceled, then shuts the server down.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

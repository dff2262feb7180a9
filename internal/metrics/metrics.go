package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "postlink"

// Collector exposes Prometheus metrics for inbound HTTP requests, the
// dispatch loop and the verification flows.
type Collector struct {
	registry        *prometheus.Registry
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	dispatchRuns    *prometheus.CounterVec
	verifications   *prometheus.CounterVec
}

// NewCollector constructs a collector with default histograms/counters.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for inbound HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"method", "path", "status"})

	dispatchTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "posts_total",
		Help:      "Posts that reached a terminal state, by outcome.",
	}, []string{"outcome"})

	dispatchRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "runs_total",
		Help:      "Dispatch loop iterations, by result.",
	}, []string{"result"})

	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "linking",
		Name:      "verifications_total",
		Help:      "Verification attempts, by method and result.",
	}, []string{"method", "result"})

	for _, c := range []prometheus.Collector{requestDuration, requestTotal, dispatchTotal, dispatchRuns, verifications} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	collector := &Collector{
		registry:        registry,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		dispatchTotal:   dispatchTotal,
		dispatchRuns:    dispatchRuns,
		verifications:   verifications,
	}

	return collector, nil
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path
		// mux routes are labelled by template, not by raw path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

// PostDispatched records a post reaching a terminal state. outcome is
// "posted" or a failure reason.
func (c *Collector) PostDispatched(outcome string) {
	c.dispatchTotal.WithLabelValues(outcome).Inc()
}

// DispatchRun records one loop iteration; result is "ok", "error" or "skipped".
func (c *Collector) DispatchRun(result string) {
	c.dispatchRuns.WithLabelValues(result).Inc()
}

// Verification records a verification attempt.
func (c *Collector) Verification(method, result string) {
	c.verifications.WithLabelValues(method, result).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

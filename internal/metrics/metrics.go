// Package metrics exposes relay metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wudi/eventrelay/internal/middleware"
)

const namespace = "eventrelay"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Sink outcomes.
const (
	SinkOutcomeSuccess = "success"
	SinkOutcomeError   = "error"
)

// Collector owns the relay's collectors and the private registry they are
// registered on.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	sinkRequestsTotal *prometheus.CounterVec
	sinkLatency       prometheus.Histogram
	transformFailures *prometheus.CounterVec
	batchRejections   prometheus.Counter
	decodeTiers       *prometheus.CounterVec
	openConnections   prometheus.Gauge
	shutdownState     prometheus.Gauge
}

// NewCollector creates a new metrics collector with Go and process
// collectors attached.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Inbound requests by path, method and status code.",
		}, []string{"path", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound request duration.",
			Buckets:   DefaultBuckets,
		}, []string{"path"}),
		sinkRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_requests_total",
			Help:      "Outbound sink calls by outcome and status code.",
		}, []string{"outcome", "code"}),
		sinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_latency_seconds",
			Help:      "Time until the sink returned response headers.",
			Buckets:   DefaultBuckets,
		}),
		transformFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_failures_total",
			Help:      "Transform evaluation failures by stage.",
		}, []string{"stage"}),
		batchRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_rejections_total",
			Help:      "Requests rejected for carrying a batch of events.",
		}),
		decodeTiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoded_bodies_total",
			Help:      "Decoded bodies by stage and decoding tier.",
		}, []string{"stage", "tier"}),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Currently open inbound connections.",
		}),
		shutdownState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shutdown_state",
			Help:      "0=running, 1=draining, 2=force closing, 3=exited.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDuration,
		c.sinkRequestsTotal,
		c.sinkLatency,
		c.transformFailures,
		c.batchRejections,
		c.decodeTiers,
		c.openConnections,
		c.shutdownState,
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a completed inbound request
func (c *Collector) RecordRequest(path, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(path, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordSink records one outbound call. statusCode is 0 when no response was
// received.
func (c *Collector) RecordSink(statusCode int, duration time.Duration, err error) {
	outcome := SinkOutcomeSuccess
	if err != nil {
		outcome = SinkOutcomeError
	}
	c.sinkRequestsTotal.WithLabelValues(outcome, strconv.Itoa(statusCode)).Inc()
	c.sinkLatency.Observe(duration.Seconds())
}

// RecordTransformFailure counts a failed evaluation in the request or
// response stage.
func (c *Collector) RecordTransformFailure(stage string) {
	c.transformFailures.WithLabelValues(stage).Inc()
}

// RecordBatchRejection counts a rejected batch request.
func (c *Collector) RecordBatchRejection() {
	c.batchRejections.Inc()
}

// RecordDecode counts which decoding tier handled a body.
func (c *Collector) RecordDecode(stage, tier string) {
	c.decodeTiers.WithLabelValues(stage, tier).Inc()
}

// SetOpenConnections sets the open connection gauge.
func (c *Collector) SetOpenConnections(n int) {
	c.openConnections.Set(float64(n))
}

// SetShutdownState sets the shutdown state gauge.
func (c *Collector) SetShutdownState(state int) {
	c.shutdownState.Set(float64(state))
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Middleware records count and duration of every request. The route
// template is not known here, so unknown paths collapse into "other".
func (c *Collector) Middleware(knownPaths ...string) middleware.Middleware {
	known := make(map[string]bool, len(knownPaths))
	for _, p := range knownPaths {
		known[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := r.URL.Path
			if !known[path] {
				path = "other"
			}
			c.RecordRequest(path, r.Method, sw.statusCode, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_frames_total{outcome} — delivered|dropped_unknown|dropped_full
	framesTotal *prometheus.CounterVec

	// gateway_worker_items_total{outcome} — ok|error|breaker_open|invalid
	workerItems *prometheus.CounterVec

	// gateway_worker_chunks_total
	workerChunks prometheus.Counter

	// gateway_bus_publish_errors_total{topic}
	publishErrors *prometheus.CounterVec

	// gateway_circuit_breaker_state — 0=closed, 1=open, 2=half-open
	circuitBreakerState prometheus.Gauge

	// gateway_ws_connections
	wsConnections prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// New constructs the registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes stream drain)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"route"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Response cache operations by op (get|set) and result (hit|miss|ok|error)",
			},
			[]string{"op", "result"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limiter decisions",
			},
			[]string{"result"},
		),

		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_frames_total",
				Help: "Response frames routed by the dispatcher, by outcome",
			},
			[]string{"outcome"},
		),

		workerItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_worker_items_total",
				Help: "Work items processed by the inference worker, by outcome",
			},
			[]string{"outcome"},
		),

		workerChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_worker_chunks_total",
			Help: "Model-backend chunks republished to the response topic",
		}),

		publishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_bus_publish_errors_total",
				Help: "Failed bus publishes by topic",
			},
			[]string{"topic"},
		),

		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Model-backend circuit breaker state: 0=closed, 1=open, 2=half-open",
		}),

		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_ws_connections",
			Help: "Currently open WebSocket connections",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information; value is always 1",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.cacheOps,
		r.rateLimitTotal,
		r.framesTotal,
		r.workerItems,
		r.workerChunks,
		r.publishErrors,
		r.circuitBreakerState,
		r.wsConnections,
		r.buildInfo,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the Prometheus exposition.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

// SetBuildInfo records the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records one finished HTTP request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) CacheGetHit() { r.cacheOps.WithLabelValues("get", "hit").Inc() }

func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }

func (r *Registry) CacheSetOK() { r.cacheOps.WithLabelValues("set", "ok").Inc() }

func (r *Registry) CacheSetError() { r.cacheOps.WithLabelValues("set", "error").Inc() }

// RecordRateLimit records a limiter decision: allowed, blocked, or error.
func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) FrameDelivered()   { r.framesTotal.WithLabelValues("delivered").Inc() }
func (r *Registry) FrameDroppedNoID() { r.framesTotal.WithLabelValues("dropped_unknown").Inc() }
func (r *Registry) FrameDroppedFull() { r.framesTotal.WithLabelValues("dropped_full").Inc() }

// RecordWorkerItem records one processed work item by outcome.
func (r *Registry) RecordWorkerItem(outcome string) {
	r.workerItems.WithLabelValues(outcome).Inc()
}

func (r *Registry) AddWorkerChunk() { r.workerChunks.Inc() }

// RecordPublishError records a failed bus publish for topic.
func (r *Registry) RecordPublishError(topic string) {
	r.publishErrors.WithLabelValues(topic).Inc()
}

// SetCircuitBreaker exports the breaker state (0=closed, 1=open, 2=half-open).
func (r *Registry) SetCircuitBreaker(state int64) {
	r.circuitBreakerState.Set(float64(state))
}

func (r *Registry) IncWSConnections() { r.wsConnections.Inc() }
func (r *Registry) DecWSConnections() { r.wsConnections.Dec() }

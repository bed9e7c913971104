package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferno/internal/bus"
	"github.com/nulpointcorp/inferno/internal/metrics"
)

// ServerOptions configures the HTTP server surface.
type ServerOptions struct {
	Gateway *Gateway
	WS      *WSHandler
	Metrics *metrics.Registry

	// Brokers is the Kafka broker list probed by GET /health.
	Brokers []string

	// CORSOrigins is the CORS allowlist; nil means open.
	CORSOrigins []string
}

// Server is the fasthttp front of the gateway.
type Server struct {
	opts ServerOptions
	srv  *fasthttp.Server
}

// NewServer builds the router and middleware chain.
func NewServer(opts ServerOptions) *Server {
	s := &Server{opts: opts}

	r := router.New()

	r.POST("/v1/completions", opts.Gateway.HandleCompletions)
	if opts.WS != nil {
		r.GET("/v1/completions", opts.WS.Handle)
	}

	r.GET("/cache/stats", opts.Gateway.HandleCacheStats)
	r.POST("/cache/clear", opts.Gateway.HandleCacheClear)

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", opts.Metrics.Handler())

	handler := applyMiddleware(r.Handler,
		recovery,
		traceID,
		instrument(opts.Metrics),
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler: handler,
		// Reads are quick (small JSON bodies); writes cover whole streamed
		// completions, so the write timeout is generous.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		// Streaming bodies are written incrementally via the stream writer.
		StreamRequestBody: false,
	}

	return s
}

// ListenAndServe blocks serving on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully drains open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.ShutdownWithContext(ctx)
}

// Handler exposes the composed handler for in-process tests.
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.srv.Handler
}

// handleHealth probes the bus and reports liveness. A dead broker yields 503
// so orchestrators stop routing traffic to this replica.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if err := bus.Health(ctx, s.opts.Brokers); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{
			"status": "error",
			"detail": err.Error(),
		})
		return
	}
	writeJSON(ctx, map[string]string{
		"status": "ok",
		"kafka":  "connected",
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inferno/internal/cache"
	"github.com/nulpointcorp/inferno/internal/metrics"
	"github.com/nulpointcorp/inferno/internal/store"
	"github.com/nulpointcorp/inferno/pkg/apierr"
)

const errServerBusy = "Server is busy, please try again."

var finishStop = "stop"

// TokenChecker validates API bearer tokens. *store.Store satisfies it.
type TokenChecker interface {
	TokenExists(ctx context.Context, token string) (bool, error)
}

// Limiter is the admission rate limiter. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Publisher publishes JSON payloads to a bus topic. *bus.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// LogAppender records completed inferences. *logwriter.Writer satisfies it.
type LogAppender interface {
	Append(row store.InferenceRow)
}

// Gateway implements the client-facing completion surfaces. It admits
// requests, consults the response cache, enqueues work items, and streams
// the dispatched frames back to the caller.
type Gateway struct {
	producer     Publisher
	requestTopic string

	registry *WaiterRegistry
	cache    *cache.ResponseCache // nil when caching is disabled
	tokens   TokenChecker
	limiter  Limiter // nil when rate limiting is disabled
	logw     LogAppender

	responseTimeout time.Duration

	metrics *metrics.Registry
	log     *slog.Logger
}

// GatewayOptions carries the collaborators for NewGateway.
type GatewayOptions struct {
	Producer        Publisher
	RequestTopic    string
	Registry        *WaiterRegistry
	Cache           *cache.ResponseCache
	Tokens          TokenChecker
	Limiter         Limiter
	LogWriter       LogAppender
	ResponseTimeout time.Duration
	Metrics         *metrics.Registry
	Logger          *slog.Logger
}

// NewGateway wires the gateway from its collaborators.
func NewGateway(opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.ResponseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		producer:        opts.Producer,
		requestTopic:    opts.RequestTopic,
		registry:        opts.Registry,
		cache:           opts.Cache,
		tokens:          opts.Tokens,
		limiter:         opts.Limiter,
		logw:            opts.LogWriter,
		responseTimeout: timeout,
		metrics:         opts.Metrics,
		log:             log,
	}
}

// HandleCompletions serves POST /v1/completions for both streaming (SSE)
// and unary clients.
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx) {
	if !g.authorize(ctx) {
		return
	}
	if !g.admit(ctx) {
		return
	}

	var req CompletionRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"request body must be valid JSON", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := req.Validate(); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	log := g.log.With(slog.String("request_id", id))

	// Cache check happens after admission and before any bus traffic: a hit
	// costs one Redis round trip and never touches Kafka.
	if entry, ok := g.lookupCache(ctx, &req); ok {
		log.Info("cache_hit", slog.String("model", req.Model))
		if req.Stream {
			g.writeCachedStream(ctx, id, &req, entry)
		} else {
			g.writeUnary(ctx, id, &req, entry.Response)
		}
		return
	}

	frames, err := g.registry.Register(id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"duplicate request id", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	item := WorkItem{
		RequestID:   id,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
	if err := g.producer.Publish(ctx, g.requestTopic, id, item); err != nil {
		g.registry.Unregister(id)
		log.Error("enqueue_error", slog.String("error", err.Error()))
		g.metrics.RecordPublishError(g.requestTopic)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to enqueue request", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	log.Info("request_enqueued", slog.String("model", req.Model), slog.Bool("stream", req.Stream))

	if req.Stream {
		g.streamSSE(ctx, id, &req, frames)
	} else {
		g.drainUnary(ctx, id, &req, frames)
	}
}

// authorize checks the Authorization bearer token against the token store.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx) bool {
	header := string(ctx.Request.Header.Peek("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		apierr.WriteUnauthorized(ctx, "missing bearer token")
		return false
	}

	valid, err := g.tokens.TokenExists(ctx, token)
	if err != nil {
		g.log.Error("token_check_error", slog.String("error", err.Error()))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"authentication backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return false
	}
	if !valid {
		apierr.WriteUnauthorized(ctx, "invalid API token")
		return false
	}
	return true
}

// admit applies the per-remote-address rate limit. Limiter errors fail open.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx) bool {
	if g.limiter == nil {
		return true
	}

	allowed, err := g.limiter.Allow(ctx, ctx.RemoteIP().String())
	if err != nil {
		g.metrics.RecordRateLimit("error")
		return true
	}
	if !allowed {
		g.metrics.RecordRateLimit("blocked")
		apierr.WriteRateLimit(ctx)
		return false
	}
	g.metrics.RecordRateLimit("allowed")
	return true
}

// lookupCache returns the cached completion for req when caching is enabled.
func (g *Gateway) lookupCache(ctx context.Context, req *CompletionRequest) (*cache.Entry, bool) {
	if g.cache == nil {
		return nil, false
	}

	fp := cache.Fingerprint(req.Prompt, req.Model, req.MaxTokens, req.Temperature)
	entry, ok := g.cache.Lookup(ctx, fp)
	if ok {
		g.metrics.CacheGetHit()
	} else {
		g.metrics.CacheGetMiss()
	}
	return entry, ok
}

// writeCachedStream replays a cache hit as a single-chunk SSE stream: one
// chunk carrying the whole completion with finish_reason "stop", then the
// done sentinel.
func (g *Gateway) writeCachedStream(ctx *fasthttp.RequestCtx, id string, req *CompletionRequest, entry *cache.Entry) {
	chunk := Chunk{
		ID:     id,
		Object: objectTextCompletion,
		Choices: []Choice{{
			Text:         entry.Response,
			Index:        0,
			FinishReason: &finishStop,
		}},
		Model: req.Model,
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	var body []byte
	body = append(body, ssePrefix...)
	body = append(body, encodeJSON(chunk)...)
	body = append(body, "\n\n"...)
	body = append(body, ssePrefix...)
	body = append(body, sseDone...)
	body = append(body, "\n\n"...)
	ctx.SetBody(body)
}

// writeUnary writes a completed (or cached) completion as a plain JSON body.
func (g *Gateway) writeUnary(ctx *fasthttp.RequestCtx, id string, req *CompletionRequest, text string) {
	ctx.SetContentType("application/json")
	ctx.SetBody(encodeJSON(UnaryResponse{
		ID:     id,
		Object: objectTextCompletion,
		Model:  req.Model,
		Choices: []Choice{{
			Text:         text,
			Index:        0,
			FinishReason: &finishStop,
		}},
	}))
}

// streamSSE relays dispatched frames to the client as server-sent events.
// The body stream writer runs after the handler returns, so everything it
// needs is captured up front; the RequestCtx itself must not be touched
// inside the closure beyond the writer.
func (g *Gateway) streamSSE(ctx *fasthttp.RequestCtx, id string, req *CompletionRequest, frames <-chan Frame) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	reqCopy := *req
	log := g.log.With(slog.String("request_id", id))

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer g.registry.Unregister(id)

		res := drainFrames(context.Background(), frames, g.responseTimeout, id, reqCopy.Model, func(c Chunk) bool {
			if err := writeSSE(w, encodeJSON(c)); err != nil {
				log.Warn("sse_write_error", slog.String("error", err.Error()))
				return false
			}
			return true
		})

		switch res.outcome {
		case streamDone:
			g.finish(id, &reqCopy, res.full)

		case streamTimeout:
			log.Warn("stream_timeout", slog.Int("chunks", res.chunks))
			if res.full == "" {
				_ = writeSSE(w, encodeJSON(ErrorChunk{
					ID:      id,
					Object:  objectError,
					Message: errServerBusy,
				}))
			}

		case streamError:
			log.Warn("stream_backend_error", slog.String("error", res.errMsg))
			if res.full == "" {
				_ = writeSSE(w, encodeJSON(ErrorChunk{
					ID:      id,
					Object:  objectError,
					Message: res.errMsg,
				}))
			}

		case streamAborted:
			log.Info("stream_client_gone", slog.Int("chunks", res.chunks))
			return
		}

		_, _ = fmt.Fprintf(w, "%s%s\n\n", ssePrefix, sseDone)
		_ = w.Flush()
	})
}

// drainUnary collects all frames into one response body.
func (g *Gateway) drainUnary(ctx *fasthttp.RequestCtx, id string, req *CompletionRequest, frames <-chan Frame) {
	defer g.registry.Unregister(id)

	res := drainFrames(ctx, frames, g.responseTimeout, id, req.Model, nil)

	switch res.outcome {
	case streamDone:
		g.finish(id, req, res.full)
		g.writeUnary(ctx, id, req, res.full)

	case streamTimeout:
		if res.chunks > 0 {
			// Partial completion beats an error after tokens already arrived.
			g.writeUnary(ctx, id, req, res.full)
			return
		}
		apierr.WriteBusy(ctx, errServerBusy)

	case streamError:
		apierr.WriteBusy(ctx, res.errMsg)

	case streamAborted:
		// Client is gone; nothing left to write.
	}
}

// finish runs the post-stream write-behind: cache the assembled completion
// and append it to the inference log. Empty completions are skipped.
func (g *Gateway) finish(id string, req *CompletionRequest, full string) {
	if full == "" {
		return
	}

	if g.cache != nil {
		fp := cache.Fingerprint(req.Prompt, req.Model, req.MaxTokens, req.Temperature)
		g.cache.Store(context.Background(), fp, cache.Entry{
			Prompt:      req.Prompt,
			Response:    full,
			Model:       req.Model,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			RequestID:   id,
		})
		g.metrics.CacheSetOK()
	}

	if g.logw != nil {
		rowID, err := uuid.Parse(id)
		if err != nil {
			rowID = uuid.New()
		}
		g.logw.Append(store.InferenceRow{
			RequestID:   rowID,
			Prompt:      req.Prompt,
			Response:    full,
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
	}
}

// HandleCacheStats serves GET /cache/stats.
func (g *Gateway) HandleCacheStats(ctx *fasthttp.RequestCtx) {
	if !g.authorize(ctx) {
		return
	}
	if g.cache == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"response cache is disabled", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	stats, err := g.cache.Stats(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"cache backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetContentType("application/json")
	ctx.SetBody(encodeJSON(struct {
		Entries    int    `json:"total_cached_items"`
		TTLSeconds int    `json:"cache_ttl_seconds"`
		Status     string `json:"status"`
	}{stats.Entries, int(stats.TTL.Seconds()), "ok"}))
}

// HandleCacheClear serves POST /cache/clear.
func (g *Gateway) HandleCacheClear(ctx *fasthttp.RequestCtx) {
	if !g.authorize(ctx) {
		return
	}
	if g.cache == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"response cache is disabled", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	removed, err := g.cache.Clear(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"cache backend unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	g.log.Info("cache_cleared", slog.Int("removed", removed))

	ctx.SetContentType("application/json")
	ctx.SetBody(encodeJSON(struct {
		Removed int    `json:"cleared_items"`
		Status  string `json:"status"`
	}{removed, "ok"}))
}

// writeSSE writes one event payload in data-line framing and flushes it so
// the chunk leaves the process immediately.
func writeSSE(w *bufio.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "%s%s\n\n", ssePrefix, payload); err != nil {
		return err
	}
	return w.Flush()
}

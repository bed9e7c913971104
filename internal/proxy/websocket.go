package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// wsDoneMessage is the literal text frame terminating each streamed response.
const wsDoneMessage = sseDone

// WSHandler serves the WebSocket completion surface on GET /v1/completions.
//
// Auth is a shared secret in the ?token= query parameter, checked once per
// connection. The connection then serves any number of sequential requests:
// each text frame is a completion request, answered by a stream of JSON
// chunk frames followed by a literal "[DONE]" frame. Per-request failures
// are reported as {id, object:"error", message} frames; schema errors close
// the connection with a policy violation.
type WSHandler struct {
	gateway *Gateway
	secret  string

	// idleTimeout bounds both the wait for the next client request and each
	// wait for the next response frame.
	idleTimeout time.Duration

	upgrader websocket.FastHTTPUpgrader
	log      *slog.Logger
}

// NewWSHandler creates the handler. An empty secret disables the surface —
// upgrades are rejected outright.
func NewWSHandler(g *Gateway, secret string, idleTimeout time.Duration, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &WSHandler{
		gateway:     g,
		secret:      secret,
		idleTimeout: idleTimeout,
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers are not the target client; token auth gates access.
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
		log: log,
	}
}

// Handle upgrades the connection and runs the serve loop.
func (h *WSHandler) Handle(ctx *fasthttp.RequestCtx) {
	token := string(ctx.QueryArgs().Peek("token"))

	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		defer conn.Close()

		h.gateway.metrics.IncWSConnections()
		defer h.gateway.metrics.DecWSConnections()

		if h.secret == "" || token != h.secret {
			h.log.Warn("ws_auth_failed", slog.String("remote", conn.RemoteAddr().String()))
			h.closeWith(conn, websocket.ClosePolicyViolation, "invalid token")
			return
		}

		h.log.Info("ws_connected", slog.String("remote", conn.RemoteAddr().String()))
		h.serve(conn)
	})
	if err != nil {
		h.log.Warn("ws_upgrade_error", slog.String("error", err.Error()))
	}
}

// serve runs the sequential request loop until the peer disconnects, goes
// idle, or an internal error breaks the connection.
func (h *WSHandler) serve(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.idleTimeout))

		_, payload, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.closeWith(conn, websocket.ClosePolicyViolation, "connection idle timeout")
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Info("ws_closed_by_peer")
				return
			}
			h.log.Warn("ws_read_error", slog.String("error", err.Error()))
			return
		}

		var req CompletionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			h.closeWith(conn, websocket.ClosePolicyViolation, "request must be valid JSON")
			return
		}
		if err := req.Validate(); err != nil {
			h.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
			return
		}

		if !h.handleRequest(conn, &req) {
			return
		}
	}
}

// handleRequest answers one completion request on the open connection.
// Returns false when the connection is no longer usable.
func (h *WSHandler) handleRequest(conn *websocket.Conn, req *CompletionRequest) bool {
	g := h.gateway

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	log := h.log.With(slog.String("request_id", id))

	if entry, ok := g.lookupCache(context.Background(), req); ok {
		log.Info("cache_hit", slog.String("model", req.Model))
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
		return h.sendJSON(conn, chunk) && h.sendDone(conn)
	}

	frames, err := g.registry.Register(id)
	if err != nil {
		return h.sendError(conn, id, "duplicate request id")
	}
	defer g.registry.Unregister(id)

	item := WorkItem{
		RequestID:   id,
		Model:       req.Model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if err := g.producer.Publish(context.Background(), g.requestTopic, id, item); err != nil {
		log.Error("enqueue_error", slog.String("error", err.Error()))
		g.metrics.RecordPublishError(g.requestTopic)
		h.closeWith(conn, websocket.CloseInternalServerErr, "failed to enqueue request")
		return false
	}
	log.Info("request_enqueued", slog.String("model", req.Model), slog.Bool("websocket", true))

	writeOK := true
	res := drainFrames(context.Background(), frames, h.idleTimeout, id, req.Model, func(c Chunk) bool {
		if !h.sendJSON(conn, c) {
			writeOK = false
			return false
		}
		return true
	})
	if !writeOK {
		return false
	}

	switch res.outcome {
	case streamDone:
		g.finish(id, req, res.full)

	case streamTimeout:
		log.Warn("stream_timeout", slog.Int("chunks", res.chunks))
		if res.full == "" && !h.sendError(conn, id, errServerBusy) {
			return false
		}

	case streamError:
		log.Warn("stream_backend_error", slog.String("error", res.errMsg))
		if res.full == "" && !h.sendError(conn, id, res.errMsg) {
			return false
		}

	case streamAborted:
		return false
	}

	return h.sendDone(conn)
}

// sendJSON writes one JSON text frame. Returns false on write failure.
func (h *WSHandler) sendJSON(conn *websocket.Conn, v any) bool {
	if err := conn.WriteJSON(v); err != nil {
		h.log.Warn("ws_write_error", slog.String("error", err.Error()))
		return false
	}
	return true
}

// sendDone writes the literal stream terminator frame.
func (h *WSHandler) sendDone(conn *websocket.Conn) bool {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(wsDoneMessage)); err != nil {
		h.log.Warn("ws_write_error", slog.String("error", err.Error()))
		return false
	}
	return true
}

// sendError writes a per-request error frame in the shared error envelope.
// The connection stays usable for the next request.
func (h *WSHandler) sendError(conn *websocket.Conn, id, msg string) bool {
	return h.sendJSON(conn, ErrorChunk{ID: id, Object: objectError, Message: msg})
}

// closeWith sends a close frame with the given code before dropping the
// connection.
func (h *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

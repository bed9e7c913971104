package proxy

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nulpointcorp/inferno/internal/bus"
	"github.com/nulpointcorp/inferno/internal/metrics"
)

const errBackendUnavailable = "vLLM service is unavailable."

// Worker consumes work items from the request topic, streams completions
// from the model backend, and republishes every chunk as a frame on the
// response topic. All replicas share one consumer group, so each work item
// is handled by exactly one worker (modulo at-least-once redelivery).
type Worker struct {
	consumer      *bus.Consumer
	producer      Publisher
	responseTopic string

	backend *BackendClient
	breaker *CircuitBreaker

	metrics *metrics.Registry
	log     *slog.Logger
}

// NewWorker wires the worker from its collaborators.
func NewWorker(consumer *bus.Consumer, producer Publisher, responseTopic string,
	backend *BackendClient, breaker *CircuitBreaker, m *metrics.Registry, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		consumer:      consumer,
		producer:      producer,
		responseTopic: responseTopic,
		backend:       backend,
		breaker:       breaker,
		metrics:       m,
		log:           log,
	}
}

// Run consumes the request topic until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Run(ctx, w.handle)
}

// handle processes one raw work item. Every path that gets past decoding
// publishes exactly one done frame for the item's request id.
func (w *Worker) handle(ctx context.Context, value []byte) {
	var item WorkItem
	if err := json.Unmarshal(value, &item); err != nil {
		w.log.Warn("worker_malformed_item", slog.String("error", err.Error()))
		w.metrics.RecordWorkerItem("invalid")
		return
	}
	if item.RequestID == "" {
		// Without an id there is no waiter to answer; skip.
		w.log.Warn("worker_item_missing_request_id")
		w.metrics.RecordWorkerItem("invalid")
		return
	}

	log := w.log.With(slog.String("request_id", item.RequestID))

	if !w.breaker.Allow() {
		log.Warn("worker_breaker_open", slog.String("model", item.Model))
		w.publish(ctx, Frame{RequestID: item.RequestID, Error: errBackendUnavailable, Done: true})
		w.metrics.RecordWorkerItem("breaker_open")
		return
	}

	log.Info("worker_item_start", slog.String("model", item.Model))

	chunks := 0
	err := w.backend.StreamCompletion(ctx, item, func(data ChunkData) {
		chunk := data
		w.publish(ctx, Frame{RequestID: item.RequestID, Data: &chunk, Done: false})
		chunks++
		w.metrics.AddWorkerChunk()
	})
	if err != nil {
		w.breaker.RecordFailure()
		log.Error("worker_backend_error",
			slog.String("error", err.Error()),
			slog.Int("chunks", chunks),
		)
		w.publish(ctx, Frame{RequestID: item.RequestID, Error: err.Error(), Done: true})
		w.metrics.RecordWorkerItem("error")
		return
	}

	w.breaker.RecordSuccess()
	w.publish(ctx, Frame{RequestID: item.RequestID, Done: true})
	w.metrics.RecordWorkerItem("ok")
	log.Info("worker_item_done", slog.Int("chunks", chunks))
}

// publish writes one frame to the response topic, keyed by request id so
// all frames of a request stay ordered on one partition. A failed publish
// is logged and counted; the waiter's own timeout covers the loss.
func (w *Worker) publish(ctx context.Context, frame Frame) {
	if err := w.producer.Publish(ctx, w.responseTopic, frame.RequestID, frame); err != nil {
		w.log.Error("worker_publish_error",
			slog.String("request_id", frame.RequestID),
			slog.String("error", err.Error()),
		)
		w.metrics.RecordPublishError(w.responseTopic)
	}
}

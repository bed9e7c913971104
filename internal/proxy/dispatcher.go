package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nulpointcorp/inferno/internal/bus"
	"github.com/nulpointcorp/inferno/internal/metrics"
)

// Dispatcher consumes the response topic and routes every frame to the
// local waiter registered under its request id.
//
// Each replica runs its own dispatcher under a unique consumer group, so
// every replica sees every frame. Frames for requests admitted on another
// replica are dropped here as unknown — that is the broadcast working as
// intended, not an error.
type Dispatcher struct {
	consumer *bus.Consumer
	registry *WaiterRegistry
	metrics  *metrics.Registry
	log      *slog.Logger
}

// DispatcherGroupID returns a fresh per-replica consumer group id.
func DispatcherGroupID() string {
	return fmt.Sprintf("dispatcher-group-%s", uuid.NewString())
}

// NewDispatcher wires the dispatcher to its consumer and registry.
func NewDispatcher(consumer *bus.Consumer, registry *WaiterRegistry, m *metrics.Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		consumer: consumer,
		registry: registry,
		metrics:  m,
		log:      log,
	}
}

// Run consumes the response topic until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Run(ctx, d.handle)
}

// handle decodes one frame and hands it to the registry. The dispatcher
// never unregisters waiters — the handler owns that on its exit paths.
func (d *Dispatcher) handle(_ context.Context, value []byte) {
	var frame Frame
	if err := json.Unmarshal(value, &frame); err != nil {
		d.log.Warn("dispatcher_malformed_frame", slog.String("error", err.Error()))
		return
	}
	if frame.RequestID == "" {
		d.log.Warn("dispatcher_frame_missing_request_id")
		d.metrics.FrameDroppedNoID()
		return
	}

	// Drop accounting lives in the registry's hooks; only delivery is
	// counted here.
	if d.registry.Deliver(frame) {
		d.metrics.FrameDelivered()
	}
}

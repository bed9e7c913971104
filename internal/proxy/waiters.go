package proxy

import (
	"fmt"
	"log/slog"
	"sync"
)

// waiterCapacity bounds each per-request channel. A handler that falls this
// far behind will shortly observe the done frame anyway, so overflow frames
// are droppable.
const waiterCapacity = 64

// WaiterRegistry maps every in-flight request id to the bounded channel its
// handler is draining. The handler registers the id just before enqueueing
// the work item and unregisters it on every exit path; the dispatcher only
// ever delivers.
//
// All three operations are serialized by one mutex. Correctness depends only
// on the register/unregister pair bracketing the handler lifetime.
type WaiterRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan Frame

	log *slog.Logger

	// Drop hooks, invoked outside the lock. Nil-safe; used for metrics.
	onDropFull    func() // waiter channel was full
	onDropUnknown func() // no waiter registered for the id
}

// NewWaiterRegistry creates an empty registry.
func NewWaiterRegistry(log *slog.Logger) *WaiterRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &WaiterRegistry{
		waiters: make(map[string]chan Frame),
		log:     log,
	}
}

// SetDropCallbacks installs the drop hooks (call before use).
func (r *WaiterRegistry) SetDropCallbacks(onFull, onUnknown func()) {
	r.onDropFull = onFull
	r.onDropUnknown = onUnknown
}

// Register creates the waiter channel for id. A second registration for a
// live id is an internal invariant violation and returns an error — request
// ids are unique per in-flight request.
func (r *WaiterRegistry) Register(id string) (<-chan Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.waiters[id]; exists {
		return nil, fmt.Errorf("proxy: waiter already registered for request %s", id)
	}

	ch := make(chan Frame, waiterCapacity)
	r.waiters[id] = ch
	return ch, nil
}

// Deliver routes frame to the waiter registered under its request id.
// It never blocks: an unknown id or a full channel drops the frame with a
// warning. Returns true when the frame was handed to a waiter.
func (r *WaiterRegistry) Deliver(frame Frame) bool {
	r.mu.Lock()
	ch, ok := r.waiters[frame.RequestID]
	r.mu.Unlock()

	if !ok {
		r.log.Warn("frame_for_unknown_request",
			slog.String("request_id", frame.RequestID),
			slog.Bool("done", frame.Done),
		)
		if r.onDropUnknown != nil {
			r.onDropUnknown()
		}
		return false
	}

	select {
	case ch <- frame:
		return true
	default:
		r.log.Warn("waiter_channel_full",
			slog.String("request_id", frame.RequestID),
		)
		if r.onDropFull != nil {
			r.onDropFull()
		}
		return false
	}
}

// Unregister removes the waiter for id. Idempotent — unknown ids are a no-op.
func (r *WaiterRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// Len returns the number of in-flight waiters (for tests and diagnostics).
func (r *WaiterRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

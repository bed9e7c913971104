package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/inferno/internal/metrics"
)

// fakePublisher captures published frames in memory.
type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	frames []Frame
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	if f, ok := payload.(Frame); ok {
		p.frames = append(p.frames, f)
	}
	return nil
}

func (p *fakePublisher) published() []Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Frame(nil), p.frames...)
}

func newTestWorker(t *testing.T, backendURL string, breaker *CircuitBreaker) (*Worker, *fakePublisher) {
	t.Helper()
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 30*time.Second)
	}
	pub := &fakePublisher{}
	backend := NewBackendClient(backendURL, 5*time.Second, nil)
	w := NewWorker(nil, pub, "responses", backend, breaker, metrics.New(), nil)
	return w, pub
}

func workItemJSON(t *testing.T, id string) []byte {
	t.Helper()
	return mustMarshal(t, WorkItem{
		RequestID: id, Model: "m1", Prompt: "hello", MaxTokens: 16, Temperature: 0.7,
	})
}

func TestWorker_RepublishesChunksThenDone(t *testing.T) {
	srv := sseBackend(t, http.StatusOK,
		`data: {"choices":[{"text":"a","index":0,"finish_reason":null}]}`,
		`data: {"choices":[{"text":"b","index":0,"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)
	w, pub := newTestWorker(t, srv.URL, nil)

	w.handle(context.Background(), workItemJSON(t, "req-1"))

	frames := pub.published()
	if len(frames) != 3 {
		t.Fatalf("expected 2 data frames + 1 done frame, got %d: %+v", len(frames), frames)
	}
	if frames[0].Data.Choices[0].Text != "a" || frames[1].Data.Choices[0].Text != "b" {
		t.Errorf("chunk order mismatch: %+v", frames[:2])
	}
	last := frames[2]
	if !last.Done || last.Error != "" || last.Data != nil {
		t.Errorf("final frame should be a clean done: %+v", last)
	}

	// All frames keyed by request id — same partition, order preserved.
	for i, k := range pub.keys {
		if k != "req-1" {
			t.Errorf("frame %d keyed %q, want req-1", i, k)
		}
	}
}

func TestWorker_ExactlyOneDoneFrame(t *testing.T) {
	srv := sseBackend(t, http.StatusOK,
		`data: {"choices":[{"text":"x","index":0,"finish_reason":null}]}`,
		`data: [DONE]`,
	)
	w, pub := newTestWorker(t, srv.URL, nil)

	w.handle(context.Background(), workItemJSON(t, "req-1"))

	dones := 0
	for _, f := range pub.published() {
		if f.Done {
			dones++
		}
	}
	if dones != 1 {
		t.Fatalf("expected exactly one done frame, got %d", dones)
	}
}

func TestWorker_BackendErrorPublishesErrorFrame(t *testing.T) {
	w, pub := newTestWorker(t, "http://127.0.0.1:1", nil)

	w.handle(context.Background(), workItemJSON(t, "req-1"))

	frames := pub.published()
	if len(frames) != 1 {
		t.Fatalf("expected a single error frame, got %d", len(frames))
	}
	f := frames[0]
	if !f.Done || f.Error == "" {
		t.Fatalf("expected done frame carrying the backend error, got %+v", f)
	}
}

func TestWorker_BackendErrorMessagePropagated(t *testing.T) {
	// The frame must carry the real backend error, not the breaker-open text.
	srv := sseBackend(t, http.StatusInternalServerError, `model exploded`)
	w, pub := newTestWorker(t, srv.URL, nil)

	w.handle(context.Background(), workItemJSON(t, "req-1"))

	frames := pub.published()
	if len(frames) != 1 {
		t.Fatalf("expected a single error frame, got %d", len(frames))
	}
	f := frames[0]
	if !f.Done {
		t.Fatalf("error frame must be done: %+v", f)
	}
	if !strings.Contains(f.Error, "model exploded") {
		t.Errorf("frame error = %q, want the backend message", f.Error)
	}
	if f.Error == errBackendUnavailable {
		t.Error("backend failures must not reuse the breaker-open message")
	}
}

func TestWorker_BackendErrorsTripBreaker(t *testing.T) {
	breaker := NewCircuitBreaker(3, 30*time.Second)
	w, _ := newTestWorker(t, "http://127.0.0.1:1", breaker)

	for i := 0; i < 3; i++ {
		w.handle(context.Background(), workItemJSON(t, "req-1"))
	}

	if breaker.State() != cbOpen {
		t.Fatalf("breaker should be open after 3 consecutive failures, got %s", breaker.StateLabel())
	}
}

func TestWorker_OpenBreakerShortCircuits(t *testing.T) {
	srv := sseBackend(t, http.StatusOK, `data: [DONE]`)

	breaker := NewCircuitBreaker(1, time.Hour)
	breaker.RecordFailure() // trip it

	w, pub := newTestWorker(t, srv.URL, breaker)

	w.handle(context.Background(), workItemJSON(t, "req-1"))

	frames := pub.published()
	if len(frames) != 1 {
		t.Fatalf("expected a single frame, got %d", len(frames))
	}
	f := frames[0]
	if !f.Done || f.Error != errBackendUnavailable {
		t.Fatalf("expected immediate error frame, got %+v", f)
	}
	// The short-circuit must not count as a failure or probe result.
	if breaker.State() != cbOpen {
		t.Errorf("breaker state changed by a short-circuited item: %s", breaker.StateLabel())
	}
}

func TestWorker_SuccessResetsBreaker(t *testing.T) {
	srv := sseBackend(t, http.StatusOK, `data: [DONE]`)
	breaker := NewCircuitBreaker(3, 30*time.Second)
	breaker.RecordFailure()
	breaker.RecordFailure()

	w, _ := newTestWorker(t, srv.URL, breaker)
	w.handle(context.Background(), workItemJSON(t, "req-1"))

	if breaker.State() != cbClosed {
		t.Fatalf("successful item should reset the breaker, got %s", breaker.StateLabel())
	}
}

func TestWorker_SkipsItemWithoutRequestID(t *testing.T) {
	srv := sseBackend(t, http.StatusOK, `data: [DONE]`)
	w, pub := newTestWorker(t, srv.URL, nil)

	w.handle(context.Background(), mustMarshal(t, WorkItem{Model: "m", Prompt: "p"}))

	if len(pub.published()) != 0 {
		t.Fatal("items without a request id must be dropped without publishing")
	}
}

func TestWorker_SkipsMalformedItem(t *testing.T) {
	srv := sseBackend(t, http.StatusOK, `data: [DONE]`)
	w, pub := newTestWorker(t, srv.URL, nil)

	w.handle(context.Background(), []byte("{broken"))

	if len(pub.published()) != 0 {
		t.Fatal("malformed items must be dropped without publishing")
	}
}

package proxy

import (
	"context"
	"testing"
	"time"
)

func dataFrame(id, text string) Frame {
	return Frame{RequestID: id, Data: &ChunkData{Choices: []Choice{{Text: text}}}}
}

func TestDrainFrames_AccumulatesUntilDone(t *testing.T) {
	ch := make(chan Frame, 8)
	ch <- dataFrame("r", "Hello")
	ch <- dataFrame("r", ", ")
	ch <- dataFrame("r", "world")
	ch <- Frame{RequestID: "r", Done: true}

	var emitted []Chunk
	res := drainFrames(context.Background(), ch, time.Second, "r", "m1", func(c Chunk) bool {
		emitted = append(emitted, c)
		return true
	})

	if res.outcome != streamDone {
		t.Fatalf("expected streamDone, got %v", res.outcome)
	}
	if res.full != "Hello, world" {
		t.Errorf("full = %q, want %q", res.full, "Hello, world")
	}
	if res.chunks != 3 || len(emitted) != 3 {
		t.Errorf("expected 3 chunks, got chunks=%d emitted=%d", res.chunks, len(emitted))
	}
	for i, c := range emitted {
		if c.ID != "r" || c.Object != objectTextCompletion || c.Model != "m1" {
			t.Errorf("chunk %d has wrong envelope: %+v", i, c)
		}
	}
}

func TestDrainFrames_ChunkOrderPreserved(t *testing.T) {
	ch := make(chan Frame, 8)
	parts := []string{"a", "b", "c", "d"}
	for _, p := range parts {
		ch <- dataFrame("r", p)
	}
	ch <- Frame{RequestID: "r", Done: true}

	var got []string
	res := drainFrames(context.Background(), ch, time.Second, "r", "m", func(c Chunk) bool {
		got = append(got, c.Choices[0].Text)
		return true
	})

	if res.outcome != streamDone {
		t.Fatalf("expected streamDone, got %v", res.outcome)
	}
	for i, p := range parts {
		if got[i] != p {
			t.Fatalf("chunk %d = %q, want %q (order must match arrival)", i, got[i], p)
		}
	}
}

func TestDrainFrames_ErrorFrameEndsStream(t *testing.T) {
	ch := make(chan Frame, 8)
	ch <- dataFrame("r", "partial")
	ch <- Frame{RequestID: "r", Error: "vLLM service is unavailable.", Done: true}

	res := drainFrames(context.Background(), ch, time.Second, "r", "m", nil)

	if res.outcome != streamError {
		t.Fatalf("expected streamError, got %v", res.outcome)
	}
	if res.errMsg != "vLLM service is unavailable." {
		t.Errorf("errMsg = %q", res.errMsg)
	}
	if res.full != "partial" {
		t.Errorf("full = %q, want %q", res.full, "partial")
	}
}

func TestDrainFrames_TimeoutWhenNoFrames(t *testing.T) {
	ch := make(chan Frame)

	start := time.Now()
	res := drainFrames(context.Background(), ch, 30*time.Millisecond, "r", "m", nil)
	elapsed := time.Since(start)

	if res.outcome != streamTimeout {
		t.Fatalf("expected streamTimeout, got %v", res.outcome)
	}
	if res.full != "" || res.chunks != 0 {
		t.Errorf("expected empty result, got full=%q chunks=%d", res.full, res.chunks)
	}
	if elapsed < 30*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestDrainFrames_TimeoutClockRestartsPerFrame(t *testing.T) {
	ch := make(chan Frame)
	timeout := 80 * time.Millisecond

	// Feed frames every 40ms for a total of 160ms — longer than the
	// per-frame timeout, which must restart on every frame.
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(40 * time.Millisecond)
			ch <- dataFrame("r", "x")
		}
		ch <- Frame{RequestID: "r", Done: true}
	}()

	res := drainFrames(context.Background(), ch, timeout, "r", "m", nil)

	if res.outcome != streamDone {
		t.Fatalf("expected streamDone (clock restarts per frame), got %v", res.outcome)
	}
	if res.chunks != 4 {
		t.Errorf("expected 4 chunks, got %d", res.chunks)
	}
}

func TestDrainFrames_EmitFalseAborts(t *testing.T) {
	ch := make(chan Frame, 8)
	ch <- dataFrame("r", "one")
	ch <- dataFrame("r", "two")
	ch <- Frame{RequestID: "r", Done: true}

	calls := 0
	res := drainFrames(context.Background(), ch, time.Second, "r", "m", func(Chunk) bool {
		calls++
		return false // client hung up
	})

	if res.outcome != streamAborted {
		t.Fatalf("expected streamAborted, got %v", res.outcome)
	}
	if calls != 1 {
		t.Errorf("emit should not be called again after returning false, got %d calls", calls)
	}
}

func TestDrainFrames_ContextCancelAborts(t *testing.T) {
	ch := make(chan Frame)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := drainFrames(ctx, ch, time.Second, "r", "m", nil)
	if res.outcome != streamAborted {
		t.Fatalf("expected streamAborted, got %v", res.outcome)
	}
}

func TestDrainFrames_EmptyDataFrameIgnored(t *testing.T) {
	ch := make(chan Frame, 4)
	ch <- Frame{RequestID: "r", Data: &ChunkData{}} // no choices
	ch <- Frame{RequestID: "r"}                     // no data at all
	ch <- Frame{RequestID: "r", Done: true}

	res := drainFrames(context.Background(), ch, time.Second, "r", "m", func(Chunk) bool {
		t.Fatal("emit must not be called for frames without choices")
		return true
	})

	if res.outcome != streamDone || res.chunks != 0 {
		t.Fatalf("expected clean done with 0 chunks, got %+v", res)
	}
}

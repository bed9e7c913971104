package proxy

import (
	"context"
	"strings"
	"time"
)

const (
	objectTextCompletion = "text_completion"
	objectError          = "error"
)

// streamOutcome classifies how a frame stream ended.
type streamOutcome int

const (
	// streamDone — a done frame without error arrived.
	streamDone streamOutcome = iota
	// streamError — a done frame carrying a worker error arrived.
	streamError
	// streamTimeout — no frame arrived within the per-frame timeout.
	streamTimeout
	// streamAborted — emit refused a chunk (client gone) or ctx ended.
	streamAborted
)

// streamResult is what drainFrames hands back to the transport handler.
type streamResult struct {
	outcome streamOutcome

	// full is the concatenation of choices[0].text across all data frames,
	// used for caching and the inference log.
	full string

	// errMsg is the worker error message when outcome is streamError.
	errMsg string

	// chunks counts the data frames seen, including ones emit declined.
	chunks int
}

// drainFrames consumes the waiter channel until the stream ends, converting
// each data frame into a client Chunk and handing it to emit. Every wait for
// the next frame is bounded by timeout — the clock restarts per frame, so a
// slow generation stays alive as long as tokens keep arriving.
//
// emit returns false to abort the stream (the client hung up); it may be nil
// for drain-only callers.
func drainFrames(ctx context.Context, ch <-chan Frame, timeout time.Duration, id, model string, emit func(Chunk) bool) streamResult {
	var (
		res   streamResult
		sb    strings.Builder
		timer = time.NewTimer(timeout)
	)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			res.outcome = streamAborted
			res.full = sb.String()
			return res

		case <-timer.C:
			res.outcome = streamTimeout
			res.full = sb.String()
			return res

		case frame := <-ch:
			if frame.Error != "" {
				res.outcome = streamError
				res.errMsg = frame.Error
				res.full = sb.String()
				return res
			}
			if frame.Done {
				res.outcome = streamDone
				res.full = sb.String()
				return res
			}

			if frame.Data != nil && len(frame.Data.Choices) > 0 {
				res.chunks++
				sb.WriteString(frame.Data.Choices[0].Text)

				if emit != nil {
					ok := emit(Chunk{
						ID:      id,
						Object:  objectTextCompletion,
						Choices: frame.Data.Choices,
						Model:   model,
					})
					if !ok {
						res.outcome = streamAborted
						res.full = sb.String()
						return res
					}
				}
			}

			// Restart the per-frame clock.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		}
	}
}

// Package logwriter implements a non-blocking, batched inference log writer.
//
// Completed inferences are written to an internal buffered channel and
// flushed to Postgres in batches by a background goroutine — so persistence
// never blocks the stream path. If the channel fills up (> 10 000 entries),
// new entries are dropped and counted in Dropped.
package logwriter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/inferno/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	insertTimeout = 5 * time.Second
)

// Inserter is the sink for flushed rows. *store.Store satisfies it.
type Inserter interface {
	InsertInference(ctx context.Context, row store.InferenceRow) error
}

// Writer is the asynchronous inference log writer.
type Writer struct {
	ch        chan store.InferenceRow
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink Inserter
	log  *slog.Logger
}

// New starts the background flush goroutine. Close drains remaining entries.
func New(ctx context.Context, sink Inserter, log *slog.Logger) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logwriter: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("logwriter: sink must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	w := &Writer{
		ch:   make(chan store.InferenceRow, channelBuffer),
		done: make(chan struct{}),
		sink: sink,
		log:  log,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Append enqueues one completed inference. Never blocks; drops when full.
func (w *Writer) Append(row store.InferenceRow) {
	select {
	case w.ch <- row:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// Dropped returns the number of entries discarded due to a full buffer.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close stops the writer after draining buffered entries.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.InferenceRow, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		for _, row := range batch {
			if err := w.sink.InsertInference(ctx, row); err != nil {
				// Insert failures are logged, never surfaced to the stream.
				w.log.Error("inference_log_insert_error",
					slog.String("request_id", row.RequestID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			w.log.Debug("inference_logged",
				slog.String("request_id", row.RequestID.String()),
				slog.String("model", row.Model),
			)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case row := <-w.ch:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

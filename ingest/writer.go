package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/chatfleet/chat"
	"github.com/onnwee/chatfleet/telemetry"
)

// DefaultBatchSize is the number of messages committed per transaction.
const DefaultBatchSize = 1024

// Store persists a batch atomically and reports how many rows were new.
type Store interface {
	InsertMessages(ctx context.Context, msgs []chat.Message) (int64, error)
}

// Source is what the Writer drains. *Router implements it.
type Source interface {
	Messages() <-chan chat.Message
	Close()
}

// WriterConfig controls batching.
type WriterConfig struct {
	BatchSize    int
	FlushTimeout time.Duration
}

// Writer accumulates messages and writes them in bounded transactions. It is owned by a single
// goroutine; none of its methods are safe for concurrent use.
type Writer struct {
	store Store
	cfg   WriterConfig
	batch []chat.Message
	total int64
	log   *slog.Logger
}

// NewWriter returns a Writer for store with defaults applied to cfg.
func NewWriter(store Store, cfg WriterConfig) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	return &Writer{
		store: store,
		cfg:   cfg,
		batch: make([]chat.Message, 0, cfg.BatchSize),
		log:   slog.Default().With(slog.String("component", "writer")),
	}
}

// Pending is the size of the unflushed batch.
func (w *Writer) Pending() int { return len(w.batch) }

// Total is the number of rows inserted so far.
func (w *Writer) Total() int64 { return w.total }

// add appends msg and flushes once the batch is full. Flush errors are logged, not returned.
func (w *Writer) add(ctx context.Context, msg chat.Message) {
	w.batch = append(w.batch, msg)
	if len(w.batch) < w.cfg.BatchSize {
		return
	}
	if _, err := w.Flush(ctx); err != nil {
		w.log.Error("batch flush failed; batch discarded", slog.Any("err", err))
	}
}

// Flush writes the pending batch in one transaction and clears it. On error the whole batch is
// dropped. Returns the number of rows inserted.
func (w *Writer) Flush(ctx context.Context) (int, error) {
	if len(w.batch) == 0 {
		return 0, nil
	}
	size := len(w.batch)

	// Flushes run during shutdown too, after the caller's ctx is cancelled.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FlushTimeout)
	defer cancel()
	fctx, span := telemetry.StartSpan(fctx, telemetry.TracerIngest, "writer.flush", attribute.Int("batch_size", size))

	var (
		inserted int64
		err      error
	)
	telemetry.TimeFunc(telemetry.FlushDuration, func() {
		inserted, err = w.store.InsertMessages(fctx, w.batch)
	})
	telemetry.EndSpan(span, err)
	telemetry.RecordFlush(size, inserted, err)

	clear(w.batch)
	w.batch = w.batch[:0]

	if err != nil {
		return 0, fmt.Errorf("insert batch of %d: %w", size, err)
	}
	w.total += inserted
	w.log.Info("messages inserted", slog.Int("batch", size), slog.Int64("inserted", inserted), slog.Int64("total", w.total))
	return int(inserted), nil
}

// Run drains msgs until the channel is closed, then flushes what is left. The returned error is
// the final flush's; failures of earlier batches are only logged and counted.
func (w *Writer) Run(ctx context.Context, msgs <-chan chat.Message) error {
	for msg := range msgs {
		w.add(ctx, msg)
		telemetry.SetQueueDepth(len(msgs))
	}
	if _, err := w.Flush(ctx); err != nil {
		w.log.Error("final flush failed", slog.Int64("total", w.total), slog.Any("err", err))
		return err
	}
	w.log.Info("writer drained", slog.Int64("total", w.total))
	return nil
}

// WithWriter runs a Writer over src while fn executes. However fn returns, src is closed and the
// final flush completes before WithWriter returns; errors from fn and the final flush are joined.
func WithWriter(ctx context.Context, store Store, src Source, cfg WriterConfig, fn func(ctx context.Context) error) (err error) {
	w := NewWriter(store, cfg)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, src.Messages()) }()

	defer func() {
		src.Close()
		if werr := <-done; werr != nil {
			err = errors.Join(err, werr)
		}
	}()
	return fn(ctx)
}

// Package batch buffers normalized records and flushes them to a sink in bounded
// batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
)

var (
	// ErrSinkFailed is returned once a sink write has failed. The accumulator refuses
	// further work after that.
	ErrSinkFailed = errors.New("sink write failed")
	// ErrFinalized is returned by Append after Finalize.
	ErrFinalized = errors.New("accumulator finalized")
)

const maxInitialCapacity = 4096

// Sink accepts one batch atomically: either every record is durably accepted or the
// call fails.
type Sink interface {
	Write(ctx context.Context, records []normalize.Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, records []normalize.Record) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, records []normalize.Record) error {
	return f(ctx, records)
}

// CommitFunc receives the durable cursor: every record of every window ending at or
// before cursor has been accepted by the sink.
type CommitFunc func(ctx context.Context, cursor time.Time) error

// Accumulator buffers records and flushes them when the buffer reaches the threshold.
// It is owned by a single run and is not safe for concurrent use.
type Accumulator struct {
	sink      Sink
	threshold int
	onCommit  CommitFunc
	log       logger.Logger

	buf []normalize.Record

	pending    time.Time
	hasPending bool
	committed  time.Time

	appended  int64
	flushed   int64
	batches   int
	failed    error
	finalized bool
}

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithCommit registers the durable-cursor hook.
func WithCommit(fn CommitFunc) Option {
	return func(a *Accumulator) {
		a.onCommit = fn
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Accumulator) {
		a.log = log
	}
}

// New returns an accumulator that flushes to sink every threshold records.
func New(sink Sink, threshold int, opts ...Option) *Accumulator {
	if threshold < 1 {
		threshold = 1
	}
	a := &Accumulator{
		sink:      sink,
		threshold: threshold,
		log:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.buf = a.newBuffer()
	return a
}

func (a *Accumulator) newBuffer() []normalize.Record {
	return make([]normalize.Record, 0, min(a.threshold, maxInitialCapacity))
}

// Append buffers rec and flushes when the buffer reaches the threshold.
func (a *Accumulator) Append(ctx context.Context, rec normalize.Record) error {
	if a.failed != nil {
		return a.failed
	}
	if a.finalized {
		return ErrFinalized
	}

	a.buf = append(a.buf, rec)
	a.appended++
	if len(a.buf) >= a.threshold {
		return a.Flush(ctx)
	}
	return nil
}

// AppendAll appends every record in order.
func (a *Accumulator) AppendAll(ctx context.Context, recs []normalize.Record) error {
	for _, rec := range recs {
		if err := a.Append(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// CompleteWindow records that every record of windows ending at end has been
// appended. The cursor is committed after the next successful flush, or immediately
// when nothing is buffered.
func (a *Accumulator) CompleteWindow(ctx context.Context, end time.Time) error {
	if a.failed != nil {
		return a.failed
	}
	a.pending = end
	a.hasPending = true
	if len(a.buf) == 0 {
		return a.commit(ctx)
	}
	return nil
}

// Flush writes the buffer to the sink as one batch and clears it. A failed batch is
// discarded, never partially re-sent.
func (a *Accumulator) Flush(ctx context.Context) error {
	if a.failed != nil {
		return a.failed
	}
	if len(a.buf) == 0 {
		return a.commit(ctx)
	}

	batch := a.buf
	a.buf = a.newBuffer()

	start := time.Now()
	if writeErr := a.sink.Write(ctx, batch); writeErr != nil {
		a.failed = fmt.Errorf("%w: batch of %d records: %w", ErrSinkFailed, len(batch), writeErr)
		a.log.Error("Sink write failed",
			logger.Int("records", len(batch)),
			logger.Error(writeErr),
		)
		return a.failed
	}

	a.flushed += int64(len(batch))
	a.batches++
	a.log.Debug("Flushed batch",
		logger.Int("records", len(batch)),
		logger.Int("batch", a.batches),
		logger.Duration("duration", time.Since(start)),
	)

	return a.commit(ctx)
}

// Finalize flushes whatever is left. It is safe to call more than once and is meant
// to be deferred so that every exit path flushes.
func (a *Accumulator) Finalize(ctx context.Context) error {
	if a.finalized {
		return a.failed
	}
	a.finalized = true
	return a.Flush(ctx)
}

func (a *Accumulator) commit(ctx context.Context) error {
	if !a.hasPending {
		return nil
	}
	cursor := a.pending
	a.hasPending = false
	a.committed = cursor

	if a.onCommit == nil {
		return nil
	}
	if err := a.onCommit(ctx, cursor); err != nil {
		return fmt.Errorf("commit cursor %s: %w", cursor.UTC().Format(time.RFC3339), err)
	}
	return nil
}

// Buffered returns the number of records waiting for a flush.
func (a *Accumulator) Buffered() int {
	return len(a.buf)
}

// Appended returns the number of records appended so far.
func (a *Accumulator) Appended() int64 {
	return a.appended
}

// Flushed returns the number of records accepted by the sink.
func (a *Accumulator) Flushed() int64 {
	return a.flushed
}

// Batches returns the number of successful flushes.
func (a *Accumulator) Batches() int {
	return a.batches
}

// Committed returns the last committed cursor, if any.
func (a *Accumulator) Committed() (time.Time, bool) {
	return a.committed, !a.committed.IsZero()
}

// Err returns the sink failure, if any.
func (a *Accumulator) Err() error {
	return a.failed
}

package batch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/batch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
)

// memorySink records every batch it accepts.
type memorySink struct {
	batches [][]normalize.Record
	fail    func(n int) error
}

func (s *memorySink) Write(_ context.Context, records []normalize.Record) error {
	if s.fail != nil {
		if err := s.fail(len(s.batches)); err != nil {
			return err
		}
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *memorySink) total() int {
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func rec(i int) normalize.Record {
	return normalize.Record{"id": i}
}

func TestAccumulator_FlushesAtThresholdAndFinalize(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	acc := batch.New(sink, 50)

	for i := range 300 - 1 {
		require.NoError(t, acc.Append(t.Context(), rec(i)))
		assert.LessOrEqual(t, acc.Buffered(), 50)
	}
	require.NoError(t, acc.Append(t.Context(), rec(299)))
	assert.Len(t, sink.batches, 6)

	require.NoError(t, acc.Finalize(t.Context()))
	assert.Len(t, sink.batches, 6, "empty buffer is not flushed")
	assert.Equal(t, 300, sink.total())
	assert.Equal(t, int64(300), acc.Flushed())
}

func TestAccumulator_FinalizeFlushesPartialBatch(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	acc := batch.New(sink, 50)

	for i := range 120 {
		require.NoError(t, acc.Append(t.Context(), rec(i)))
	}
	require.Len(t, sink.batches, 2)

	require.NoError(t, acc.Finalize(t.Context()))
	require.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[2], 20)
	assert.Equal(t, 3, acc.Batches())

	require.NoError(t, acc.Finalize(t.Context()))
	assert.Len(t, sink.batches, 3, "finalize is idempotent")
	require.ErrorIs(t, acc.Append(t.Context(), rec(0)), batch.ErrFinalized)
}

func TestAccumulator_PreservesOrder(t *testing.T) {
	t.Parallel()

	sink := &memorySink{}
	acc := batch.New(sink, 3)
	for i := range 7 {
		require.NoError(t, acc.Append(t.Context(), rec(i)))
	}
	require.NoError(t, acc.Finalize(t.Context()))

	next := 0
	for _, b := range sink.batches {
		for _, r := range b {
			assert.Equal(t, next, r["id"])
			next++
		}
	}
	assert.Equal(t, 7, next)
}

func TestAccumulator_CommitsCursorAfterFlush(t *testing.T) {
	t.Parallel()

	day := func(n int) time.Time { return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC) }
	var commits []time.Time
	sink := &memorySink{}
	acc := batch.New(sink, 4, batch.WithCommit(func(_ context.Context, cursor time.Time) error {
		commits = append(commits, cursor)
		return nil
	}))

	// Window 1: three records, nothing flushed yet, so no commit.
	require.NoError(t, acc.AppendAll(t.Context(), []normalize.Record{rec(1), rec(2), rec(3)}))
	require.NoError(t, acc.CompleteWindow(t.Context(), day(2)))
	assert.Empty(t, commits)

	// Window 2: the fourth record flushes window 1 entirely.
	require.NoError(t, acc.AppendAll(t.Context(), []normalize.Record{rec(4), rec(5)}))
	assert.Equal(t, []time.Time{day(2)}, commits)
	require.NoError(t, acc.CompleteWindow(t.Context(), day(3)))

	// Window 3 is empty; window 2 still has a buffered record.
	require.NoError(t, acc.CompleteWindow(t.Context(), day(4)))
	assert.Len(t, commits, 1)

	require.NoError(t, acc.Finalize(t.Context()))
	assert.Equal(t, []time.Time{day(2), day(4)}, commits)

	committed, ok := acc.Committed()
	require.True(t, ok)
	assert.Equal(t, day(4), committed)
}

func TestAccumulator_EmptyWindowCommitsImmediately(t *testing.T) {
	t.Parallel()

	var commits int
	acc := batch.New(&memorySink{}, 10, batch.WithCommit(func(context.Context, time.Time) error {
		commits++
		return nil
	}))

	require.NoError(t, acc.CompleteWindow(t.Context(), time.Now()))
	assert.Equal(t, 1, commits)
}

func TestAccumulator_SinkFailureIsSticky(t *testing.T) {
	t.Parallel()

	sinkErr := errors.New("bulk rejected")
	sink := &memorySink{fail: func(n int) error {
		if n == 1 {
			return sinkErr
		}
		return nil
	}}
	var commits []time.Time
	acc := batch.New(sink, 2, batch.WithCommit(func(_ context.Context, c time.Time) error {
		commits = append(commits, c)
		return nil
	}))

	require.NoError(t, acc.AppendAll(t.Context(), []normalize.Record{rec(1), rec(2)}))
	require.NoError(t, acc.Append(t.Context(), rec(3)))
	require.NoError(t, acc.CompleteWindow(t.Context(), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))

	err := acc.Append(t.Context(), rec(4))
	require.ErrorIs(t, err, batch.ErrSinkFailed)
	require.ErrorIs(t, err, sinkErr)
	assert.Equal(t, 0, acc.Buffered(), "failed batch is discarded")
	assert.Empty(t, commits, "cursor does not advance past a failed batch")

	require.ErrorIs(t, acc.Append(t.Context(), rec(5)), batch.ErrSinkFailed)
	require.ErrorIs(t, acc.Finalize(t.Context()), batch.ErrSinkFailed)
	assert.Equal(t, int64(2), acc.Flushed())
	assert.Len(t, sink.batches, 1)
}

func TestAccumulator_CommitErrorIsReturned(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("redis down")
	acc := batch.New(&memorySink{}, 10, batch.WithCommit(func(context.Context, time.Time) error {
		return storeErr
	}))

	require.ErrorIs(t, acc.CompleteWindow(t.Context(), time.Now()), storeErr)
}

package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/batch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/upstream"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

func loadCursor(t *testing.T, s *runnerSetup) time.Time {
	t.Helper()
	cp, found, err := s.store.Load(t.Context(), "products")
	require.NoError(t, err)
	require.True(t, found)
	return cp.Cursor
}

func TestRunner_HalvesToDaysAndFlushesInFixedBatches(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		if w.Span() >= 2*day {
			return upstream.TooLarge(http.StatusRequestEntityTooLarge, "too large")
		}
		return success(w, 30)
	})
	setup.opts.Planner.InitialSpan = 2 * day
	runner := setup.build(t)

	to := rangeStart.Add(10 * day)
	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: to})
	require.NoError(t, err)

	assert.Equal(t, ingest.StatusCompleted, report.Status)
	assert.Equal(t, 10, report.WindowsFetched)
	assert.Equal(t, 11, report.WindowsAttempted)
	assert.Equal(t, 1, report.Halvings)
	assert.Equal(t, 6, report.Batches)
	assert.Equal(t, int64(300), report.RecordsIngested)
	assert.Equal(t, int64(300), report.RecordsFetched)
	assert.Equal(t, []int{50, 50, 50, 50, 50, 50}, setup.sink.Sizes())
	assert.True(t, report.ResumeFrom.IsZero())

	windows := setup.upstream.Windows()
	require.Len(t, windows, 11)
	for _, w := range windows[1:] {
		assert.Equal(t, day, w.Span())
	}
	assert.True(t, loadCursor(t, setup).Equal(to))
}

func TestRunner_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, call int) upstream.Outcome {
		if call <= 2 {
			return upstream.Transient(upstream.Server5xx, http.StatusBadGateway, errors.New("bad gateway"))
		}
		return success(w, 30)
	})
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(day)})
	require.NoError(t, err)

	assert.Equal(t, ingest.StatusCompleted, report.Status)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, map[string]int{"server_5xx": 2}, report.Retries)
	assert.Empty(t, report.FatalWindows)
}

func TestRunner_RefreshesOnceOnAuthExpired(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, call int) upstream.Outcome {
		if call == 1 {
			return upstream.AuthExpired(errors.New("token expired"))
		}
		return success(w, 30)
	})
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(day)})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Refreshes)
	assert.Equal(t, 2, report.Attempts)
	assert.Equal(t, int64(30), report.RecordsIngested)
}

func TestRunner_AbortReportsResumeCursor(t *testing.T) {
	t.Parallel()

	failAt := rangeStart.Add(2 * day)
	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		if w.Start.Equal(failAt) {
			return upstream.Fatal(http.StatusBadRequest, fmt.Errorf("%w: status 400", upstream.ErrFatalResponse))
		}
		return success(w, 30)
	})
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(5 * day)})
	require.Error(t, err)
	require.ErrorIs(t, err, upstream.ErrFatalResponse)

	var fe *ingest.FatalError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Window.Start.Equal(failAt))
	assert.Equal(t, 1, fe.Attempts)
	assert.True(t, fe.ResumeFrom.Equal(failAt))

	assert.Equal(t, ingest.StatusFailed, report.Status)
	assert.Equal(t, int64(60), report.RecordsIngested)
	assert.True(t, report.ResumeFrom.Equal(failAt))
	require.Len(t, report.FatalWindows, 1)
	assert.False(t, report.FatalWindows[0].Skipped)
	assert.True(t, loadCursor(t, setup).Equal(failAt))
}

func TestRunner_SkipPolicyContinuesAndHoldsCursor(t *testing.T) {
	t.Parallel()

	failAt := rangeStart.Add(2 * day)
	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		if w.Start.Equal(failAt) {
			return upstream.Fatal(http.StatusForbidden, fmt.Errorf("%w: status 403", upstream.ErrFatalResponse))
		}
		return success(w, 30)
	})
	setup.opts.OnFatal = ingest.PolicySkip
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(5 * day)})
	require.NoError(t, err)

	assert.Equal(t, ingest.StatusPartial, report.Status)
	assert.Equal(t, 1, report.WindowsSkipped)
	assert.Equal(t, 4, report.WindowsFetched)
	assert.Equal(t, int64(120), report.RecordsIngested)
	require.Len(t, report.FatalWindows, 1)
	assert.True(t, report.FatalWindows[0].Skipped)
	assert.True(t, report.ResumeFrom.Equal(failAt))
	assert.True(t, loadCursor(t, setup).Equal(failAt))
}

func TestRunner_SkipsWindowsTooLargeAtFloor(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		if w.Start.Before(rangeStart.Add(day)) {
			return upstream.TooLarge(http.StatusRequestEntityTooLarge, "too large")
		}
		return success(w, 30)
	})
	setup.opts.OnFatal = ingest.PolicySkip
	setup.opts.Planner.FloorSpan = 12 * time.Hour
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(2 * day)})
	require.NoError(t, err)

	assert.Equal(t, ingest.StatusPartial, report.Status)
	assert.Equal(t, 2, report.WindowsSkipped)
	require.Len(t, report.FatalWindows, 2)
	assert.Contains(t, report.FatalWindows[0].Cause, "window too small")
	assert.Equal(t, int64(30), report.RecordsIngested)
}

func TestRunner_AbortOnHalvingFailure(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(context.Context, window.Window, int) upstream.Outcome {
		return upstream.TooLarge(http.StatusRequestEntityTooLarge, "too large")
	})
	setup.opts.Planner.MaxHalvings = 2
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(day)})
	require.ErrorIs(t, err, window.ErrHalvingLimit)
	assert.Equal(t, ingest.StatusFailed, report.Status)
	assert.Equal(t, 2, report.Halvings)
	assert.True(t, report.ResumeFrom.Equal(rangeStart))
}

func TestRunner_CancellationFlushesCompletedWindows(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	setup := defaultSetup(func(_ context.Context, w window.Window, call int) upstream.Outcome {
		if call == 2 {
			cancel()
		}
		return success(w, 30)
	})
	runner := setup.build(t)

	report, err := runner.Run(ctx, ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(5 * day)})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, ingest.StatusCancelled, report.Status)
	assert.Equal(t, 2, report.WindowsFetched)
	assert.Equal(t, int64(60), report.RecordsIngested)
	assert.True(t, report.ResumeFrom.Equal(rangeStart.Add(2*day)))
	assert.True(t, loadCursor(t, setup).Equal(rangeStart.Add(2*day)))
}

func TestRunner_SinkFailureAbortsEvenUnderSkip(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		return success(w, 30)
	})
	setup.opts.OnFatal = ingest.PolicySkip

	failing := batch.SinkFunc(func(context.Context, []normalize.Record) error {
		return errors.New("index closed")
	})
	runner := ingest.NewRunner(ingest.Deps{
		Fetcher: controllerFor(setup.upstream),
		Table:   mustTable(t),
		Sink:    failing,
		Store:   setup.store,
	}, setup.opts)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(3 * day)})
	require.ErrorIs(t, err, batch.ErrSinkFailed)
	assert.Equal(t, ingest.StatusFailed, report.Status)
	assert.Zero(t, report.RecordsIngested)

	_, found, loadErr := setup.store.Load(t.Context(), "products")
	require.NoError(t, loadErr)
	assert.False(t, found)
}

func TestRunner_WarnsOnUnmappedFields(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		return upstream.Success(recordsFor(w, 10, map[string]any{"internalNotes": "x"}), 1000, 1)
	})
	setup.opts.UnmappedWarnRatio = 0.2
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(day)})
	require.NoError(t, err)

	assert.Equal(t, 10, report.UnmappedFields)
	assert.InDelta(t, 1.0/3, report.UnmappedRatio, 0.001)
	assert.Equal(t, []string{"internalNotes"}, report.TopUnmapped)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "internalNotes")
}

func TestRunner_ProbeSetsStartSpan(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		return success(w, 30)
	})
	setup.counter = &fakeCounter{count: 480}
	setup.opts.ProbeCapacity = true
	setup.opts.RecordCap = 100
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(day)})
	require.NoError(t, err)

	assert.Equal(t, (3 * time.Hour).String(), report.StartSpan)
	windows := setup.upstream.Windows()
	require.NotEmpty(t, windows)
	assert.Equal(t, 3*time.Hour, windows[0].Span())
}

func TestRunner_ProbeFailureFallsBackToInitialSpan(t *testing.T) {
	t.Parallel()

	setup := defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		return success(w, 30)
	})
	setup.counter = &fakeCounter{err: errors.New("count unavailable")}
	setup.opts.ProbeCapacity = true
	setup.opts.RecordCap = 100
	runner := setup.build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart.Add(day)})
	require.NoError(t, err)
	assert.Equal(t, day.String(), report.StartSpan)
}

func TestRunner_EmptyRangeFails(t *testing.T) {
	t.Parallel()

	runner := defaultSetup(nil).build(t)

	report, err := runner.Run(t.Context(), ingest.RunSpec{RunID: "run-1", From: rangeStart, To: rangeStart})
	require.ErrorIs(t, err, window.ErrEmptyWindow)
	assert.Equal(t, ingest.StatusFailed, report.Status)
}

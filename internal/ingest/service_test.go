package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/upstream"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

var serviceNow = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func clock() time.Time { return serviceNow }

func successSetup() *runnerSetup {
	return defaultSetup(func(_ context.Context, w window.Window, _ int) upstream.Outcome {
		return success(w, 24)
	})
}

func TestService_IncrementalStartsAtCheckpoint(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	cursor := serviceNow.Add(-3 * day)
	require.NoError(t, setup.store.Save(t.Context(), checkpoint.Checkpoint{Resource: "products", Cursor: cursor, RunID: "old"}))

	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	report, err := svc.Run(t.Context(), ingest.Request{Resource: "products"})
	require.NoError(t, err)

	assert.True(t, report.From.Equal(cursor))
	assert.True(t, report.To.Equal(serviceNow))
	assert.Equal(t, 3, report.WindowsFetched)
	assert.NotEmpty(t, report.RunID)

	cp, found, err := setup.store.Load(t.Context(), "products")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cp.Cursor.Equal(serviceNow))
	assert.Equal(t, report.RunID, cp.RunID)
}

func TestService_IncrementalUsesLookbackWithoutCheckpoint(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil,
		ingest.WithClock(clock), ingest.WithLookback(2*day))

	report, err := svc.Run(t.Context(), ingest.Request{Resource: "products"})
	require.NoError(t, err)
	assert.True(t, report.From.Equal(serviceNow.Add(-2*day)))
	assert.Equal(t, 2, report.WindowsFetched)
}

func TestService_ExplicitRange(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	report, err := svc.Run(t.Context(), ingest.Request{
		Resource: "products",
		From:     rangeStart,
		To:       rangeStart.Add(4 * day),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, report.WindowsFetched)
	assert.Equal(t, int64(96), report.RecordsIngested)
}

func TestService_ResumeRequiresCheckpoint(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	_, err := svc.Run(t.Context(), ingest.Request{Resource: "products", Resume: true})
	require.ErrorIs(t, err, ingest.ErrNoCheckpoint)
}

func TestService_RejectsUnknownResourceAndEmptyRange(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	_, err := svc.Run(t.Context(), ingest.Request{Resource: "orders"})
	require.ErrorIs(t, err, ingest.ErrUnknownResource)

	_, err = svc.Run(t.Context(), ingest.Request{Resource: "products", From: serviceNow, To: serviceNow.Add(-day)})
	require.ErrorIs(t, err, ingest.ErrInvalidRange)

	_, running := svc.Running("products")
	assert.False(t, running)
}

func TestService_OneRunPerResource(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	setup := defaultSetup(func(_ context.Context, w window.Window, call int) upstream.Outcome {
		if call == 1 {
			close(started)
			<-release
		}
		return success(w, 24)
	})
	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil,
		ingest.WithClock(clock), ingest.WithLookback(day))

	runID, err := svc.Start(t.Context(), ingest.Request{Resource: "products"})
	require.NoError(t, err)
	<-started

	current, running := svc.Running("products")
	assert.True(t, running)
	assert.Equal(t, runID, current)

	_, err = svc.Run(t.Context(), ingest.Request{Resource: "products"})
	require.ErrorIs(t, err, ingest.ErrRunInProgress)

	close(release)
	svc.Wait()
	_, running = svc.Running("products")
	assert.False(t, running)

	reports := svc.Reports("products")
	require.Len(t, reports, 1)
	assert.Equal(t, runID, reports[0].RunID)
	assert.Equal(t, ingest.StatusCompleted, reports[0].Status)
}

func TestService_RunAllAndHistory(t *testing.T) {
	t.Parallel()

	products := successSetup()
	orders := successSetup()
	orders.opts.Resource = "orders"
	orders.store = products.store

	svc := ingest.NewService(
		[]*ingest.Runner{products.build(t), orders.build(t)},
		products.store, nil,
		ingest.WithClock(clock), ingest.WithLookback(day), ingest.WithHistorySize(2),
	)
	assert.Equal(t, []string{"orders", "products"}, svc.Resources())

	reports, err := svc.RunAll(t.Context())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "orders", reports[0].Resource)
	assert.Equal(t, "products", reports[1].Resource)

	for range 2 {
		_, err = svc.Run(t.Context(), ingest.Request{Resource: "products", From: rangeStart, To: rangeStart.Add(day)})
		require.NoError(t, err)
	}
	assert.Len(t, svc.Reports("products"), 2)
	assert.Len(t, svc.Latest(), 2)
}

func TestService_ExplicitRangeAfterCheckpointLeavesItInPlace(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	cursor := rangeStart.Add(21 * day)
	require.NoError(t, setup.store.Save(t.Context(), checkpoint.Checkpoint{Resource: "products", Cursor: cursor, RunID: "old"}))

	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	report, err := svc.Run(t.Context(), ingest.Request{
		Resource: "products",
		From:     rangeStart.Add(26 * day),
		To:       rangeStart.Add(27 * day),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.WindowsFetched)

	cp, found, err := setup.store.Load(t.Context(), "products")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cp.Cursor.Equal(cursor))
	assert.Equal(t, "old", cp.RunID)

	next, err := svc.Run(t.Context(), ingest.Request{Resource: "products"})
	require.NoError(t, err)
	assert.True(t, next.From.Equal(cursor))
}

func TestService_BackfillNeverMovesCheckpointBackward(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	cursor := rangeStart.Add(21 * day)
	require.NoError(t, setup.store.Save(t.Context(), checkpoint.Checkpoint{Resource: "products", Cursor: cursor, RunID: "old"}))

	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	_, err := svc.Run(t.Context(), ingest.Request{Resource: "products", From: rangeStart, To: rangeStart.Add(3 * day)})
	require.NoError(t, err)

	cp, _, err := setup.store.Load(t.Context(), "products")
	require.NoError(t, err)
	assert.True(t, cp.Cursor.Equal(cursor))

	overlap, err := svc.Run(t.Context(), ingest.Request{
		Resource: "products",
		From:     rangeStart.Add(20 * day),
		To:       rangeStart.Add(23 * day),
	})
	require.NoError(t, err)

	cp, _, err = setup.store.Load(t.Context(), "products")
	require.NoError(t, err)
	assert.True(t, cp.Cursor.Equal(rangeStart.Add(23*day)))
	assert.Equal(t, overlap.RunID, cp.RunID)
}

func TestService_ExplicitRangeWithoutCheckpointSavesNothing(t *testing.T) {
	t.Parallel()

	setup := successSetup()
	svc := ingest.NewService([]*ingest.Runner{setup.build(t)}, setup.store, nil, ingest.WithClock(clock))

	_, err := svc.Run(t.Context(), ingest.Request{Resource: "products", From: rangeStart, To: rangeStart.Add(2 * day)})
	require.NoError(t, err)

	_, found, err := setup.store.Load(t.Context(), "products")
	require.NoError(t, err)
	assert.False(t, found)
}

package ingest_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/auth"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/fetch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/retry"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/upstream"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

const day = 24 * time.Hour

var rangeStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeUpstream answers each fetch through respond, which sees the call number.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   int
	windows []window.Window
	respond func(ctx context.Context, w window.Window, call int) upstream.Outcome
}

func (f *fakeUpstream) Fetch(ctx context.Context, w window.Window, _ auth.Token) upstream.Outcome {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.windows = append(f.windows, w)
	f.mu.Unlock()

	return f.respond(ctx, w, call)
}

func (f *fakeUpstream) Windows() []window.Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]window.Window(nil), f.windows...)
}

type fakeCounter struct {
	count int64
	err   error
}

func (f *fakeCounter) Count(context.Context, window.Window, auth.Token) (int64, error) {
	return f.count, f.err
}

// recordingSink keeps every batch it accepts.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]normalize.Record
}

func (s *recordingSink) Write(_ context.Context, records []normalize.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, records)
	return nil
}

func (s *recordingSink) Sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// recordsFor returns perDay records spread over w.
func recordsFor(w window.Window, perDay int, extra map[string]any) []upstream.RawRecord {
	n := int(float64(perDay) * w.Span().Hours() / 24)
	step := w.Span() / time.Duration(max(n, 1))
	out := make([]upstream.RawRecord, 0, n)
	for i := range n {
		at := w.Start.Add(time.Duration(i) * step)
		rec := upstream.RawRecord{
			"recordId":     fmt.Sprintf("%s-%d", w.Start.Format("20060102T15"), i),
			"lastModified": at.Format(time.RFC3339),
		}
		for k, v := range extra {
			rec[k] = v
		}
		out = append(out, rec)
	}
	return out
}

func success(w window.Window, perDay int) upstream.Outcome {
	records := recordsFor(w, perDay, nil)
	return upstream.Success(records, int64(len(records))*100, 1)
}

func noSleep(context.Context, time.Duration) error { return nil }

type runnerSetup struct {
	upstream *fakeUpstream
	counter  upstream.Counter
	sink     *recordingSink
	store    checkpoint.Store
	opts     ingest.Options
}

func defaultSetup(respond func(ctx context.Context, w window.Window, call int) upstream.Outcome) *runnerSetup {
	return &runnerSetup{
		upstream: &fakeUpstream{respond: respond},
		sink:     &recordingSink{},
		store:    checkpoint.NewMemory(),
		opts: ingest.Options{
			Resource: "products",
			Planner: window.Config{
				InitialSpan: day,
				FloorSpan:   time.Hour,
				MaxHalvings: 5,
				Grow:        true,
			},
			FlushThreshold: 50,
			OnFatal:        ingest.PolicyAbort,
		},
	}
}

func mustTable(t *testing.T) *normalize.Table {
	t.Helper()

	table, err := normalize.NewTable([]normalize.Entry{
		{Source: "recordId", Canonical: "id"},
		{Source: "lastModified", Canonical: "last_modified"},
	}, normalize.Drop)
	require.NoError(t, err)
	return table
}

var testTokens = auth.NewStatic("api-key")

func controllerFor(up upstream.Fetcher) *fetch.Controller {
	policy := retry.Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	return fetch.NewController(up, testTokens, policy, nil, fetch.WithSleep(noSleep))
}

func (s *runnerSetup) build(t *testing.T) *ingest.Runner {
	t.Helper()

	return ingest.NewRunner(ingest.Deps{
		Fetcher: controllerFor(s.upstream),
		Counter: s.counter,
		Tokens:  testTokens,
		Table:   mustTable(t),
		Sink:    s.sink,
		Store:   s.store,
	}, s.opts)
}

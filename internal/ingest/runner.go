// Package ingest runs windowed ingestion of one upstream resource: it drives the window
// planner and the fetch controller, normalizes records into the batch accumulator, and
// checkpoints the durable cursor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/auth"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/batch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/fetch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/telemetry"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/upstream"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

// Policy decides what a fatal window does to the run.
type Policy string

const (
	// PolicyAbort stops the run at the first fatal window.
	PolicyAbort Policy = "abort"
	// PolicySkip records the fatal window and moves past it. The durable cursor stops
	// advancing at the first skipped window.
	PolicySkip Policy = "skip"
)

const (
	defaultFinalizeTimeout = 2 * time.Minute
	topUnmappedInReport    = 5
)

// WindowFetcher drives one window to completion. *fetch.Controller implements it.
type WindowFetcher interface {
	Do(ctx context.Context, w window.Window) fetch.Result
}

// Options tunes a Runner.
type Options struct {
	Resource string
	Planner  window.Config
	// GrowRatio is the fraction of the caps below which a success counts as comfortable.
	GrowRatio float64
	RecordCap int
	ByteCap   int64

	FlushThreshold    int
	OnFatal           Policy
	UnmappedWarnRatio float64
	FinalizeTimeout   time.Duration

	// ProbeCapacity runs a count query on the first window to pick the start span.
	ProbeCapacity bool
	// CapacityPerHour is a static records-per-hour estimate used instead of a probe.
	CapacityPerHour float64
}

// Deps are the collaborators of a Runner. Counter, Tokens, Store and Telemetry may be nil.
type Deps struct {
	Fetcher   WindowFetcher
	Counter   upstream.Counter
	Tokens    auth.Provider
	Table     *normalize.Table
	Sink      batch.Sink
	Store     checkpoint.Store
	Telemetry *telemetry.Provider
	Logger    logger.Logger
	Now       func() time.Time
}

// Runner ingests one resource. Each call to Run owns its own state, so a Runner may be
// reused; concurrent runs of the same resource are prevented by Service.
type Runner struct {
	deps Deps
	opts Options
	log  logger.Logger
	now  func() time.Time
}

// NewRunner returns a runner for opts.Resource.
func NewRunner(deps Deps, opts Options) *Runner {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if opts.OnFatal == "" {
		opts.OnFatal = PolicyAbort
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}

	return &Runner{
		deps: deps,
		opts: opts,
		log:  log.With(logger.String("resource", opts.Resource)),
		now:  now,
	}
}

// Resource returns the resource name.
func (r *Runner) Resource() string {
	return r.opts.Resource
}

// RunSpec identifies one run.
type RunSpec struct {
	RunID string
	From  time.Time
	To    time.Time
	// Floor is the stored cursor when the run started. Commits at or before it are
	// not saved, so the checkpoint never moves backward.
	Floor time.Time
	// Detached runs never save a checkpoint. A range that starts after the stored
	// cursor is detached; saving its end would cover the gap before it.
	Detached bool
}

// runState is owned by a single run and discarded when it ends.
type runState struct {
	spec      RunSpec
	report    *Report
	planner   *window.Planner
	acc       *batch.Accumulator
	current   window.Window
	retries   map[upstream.TransientKind]int
	records   int64
	bytes     int64
	stats     normalize.Stats
	skipping  bool
	committed time.Time
}

// Run ingests [spec.From, spec.To). The returned report is never nil. A fatal window is
// returned as *FatalError under the abort policy; under the skip policy it is listed in
// the report and the run continues.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (report *Report, runErr error) {
	st := &runState{
		spec:      spec,
		report:    newReport(spec.RunID, r.opts.Resource, spec.From, spec.To, r.now()),
		retries:   make(map[upstream.TransientKind]int),
		committed: spec.From,
	}
	report = st.report

	ctx, span := r.deps.Telemetry.StartSpan(ctx, "ingest.run",
		attribute.String("resource", r.opts.Resource),
		attribute.String("run_id", spec.RunID),
	)
	defer span.End()

	log := r.log.With(logger.String("run_id", spec.RunID))

	cfg := r.opts.Planner
	cfg.StartSpan = r.startSpan(ctx, spec)
	st.report.StartSpan = cfg.StartSpan.String()

	planner, planErr := window.NewPlanner(spec.From, spec.To, cfg)
	if planErr != nil {
		err := fmt.Errorf("plan run: %w", planErr)
		r.finish(st, log, err)
		return report, err
	}
	st.planner = planner
	st.acc = batch.New(r.deps.Sink, r.opts.FlushThreshold,
		batch.WithCommit(r.commitFunc(st, log)),
		batch.WithLogger(log),
	)

	log.Info("Starting ingestion run",
		logger.Window(spec.From, spec.To),
		logger.Duration("start_span", cfg.StartSpan),
		logger.Bool("detached", spec.Detached),
	)

	defer func() {
		finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FinalizeTimeout)
		defer cancel()

		if finErr := st.acc.Finalize(finalizeCtx); finErr != nil && runErr == nil {
			runErr = &FatalError{Window: st.current, Cause: finErr}
		}

		var fe *FatalError
		if errors.As(runErr, &fe) {
			fe.ResumeFrom = st.committed
		}
		r.finish(st, log, runErr)
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
	}()

	return report, r.loop(ctx, st, log)
}

func (r *Runner) loop(ctx context.Context, st *runState, log logger.Logger) error {
	for !st.planner.Done() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled at %s: %w", st.planner.Cursor().UTC().Format(time.RFC3339), err)
		}

		w, _ := st.planner.Current()
		st.current = w

		res := r.fetchWindow(ctx, st, w)
		if res.Err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("run cancelled in %s: %w", w, ctxErr)
			}
			if err := r.onFatal(st, log, &FatalError{Window: w, Attempts: res.Attempts, Cause: res.Err}); err != nil {
				return err
			}
			continue
		}

		if res.TooLarge() {
			action, obsErr := st.planner.Observe(window.TooLarge)
			r.deps.Telemetry.RecordWindow(r.opts.Resource, action.String(), w.Span())
			if obsErr != nil {
				if err := r.onFatal(st, log, &FatalError{Window: w, Attempts: res.Attempts, Cause: obsErr}); err != nil {
					return err
				}
				continue
			}
			log.Info("Window too large, halving",
				logger.Window(w.Start, w.End),
				logger.Duration("next_span", st.planner.Span()),
				logger.String("reason", res.Outcome.String()),
			)
			continue
		}

		if err := r.accept(ctx, st, log, w, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) fetchWindow(ctx context.Context, st *runState, w window.Window) fetch.Result {
	wctx, span := r.deps.Telemetry.StartSpan(ctx, "ingest.window",
		attribute.String("window.start", w.Start.UTC().Format(time.RFC3339)),
		attribute.String("window.end", w.End.UTC().Format(time.RFC3339)),
		attribute.String("window.granularity", w.Granularity.String()),
	)
	defer span.End()

	start := r.now()
	res := r.deps.Fetcher.Do(wctx, w)

	st.report.WindowsAttempted++
	st.report.Attempts += res.Attempts
	st.report.Refreshes += res.Refreshes

	retries := make(map[string]int, len(res.Retries))
	for kind, n := range res.Retries {
		st.retries[kind] += n
		retries[kind.String()] = n
	}

	outcome := res.Outcome.Kind.String()
	if res.Err != nil {
		outcome = "fatal"
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	span.SetAttributes(attribute.Int("attempts", res.Attempts), attribute.String("outcome", outcome))
	r.deps.Telemetry.RecordFetch(r.opts.Resource, outcome, res.Attempts, retries, res.Refreshes, r.now().Sub(start))

	return res
}

// accept normalizes a successful window into the accumulator and advances the planner.
// Sink writes and commits run without cancellation so a window is never half applied.
func (r *Runner) accept(ctx context.Context, st *runState, log logger.Logger, w window.Window, res fetch.Result) error {
	out := res.Outcome
	records, stats := normalize.Normalize(out.Records, r.deps.Table)
	st.stats.Merge(stats)
	st.records += int64(len(records))
	st.bytes += out.Bytes
	r.deps.Telemetry.RecordRecords(r.opts.Resource, len(records), stats.Unmapped)

	applyCtx := context.WithoutCancel(ctx)
	if err := st.acc.AppendAll(applyCtx, records); err != nil {
		return &FatalError{Window: w, Attempts: res.Attempts, Cause: err}
	}

	event := window.Classify(len(out.Records), out.Bytes, r.opts.RecordCap, r.opts.ByteCap, r.opts.GrowRatio)
	action, obsErr := st.planner.Observe(event)
	if obsErr != nil {
		return fmt.Errorf("advance past %s: %w", w, obsErr)
	}
	r.deps.Telemetry.RecordWindow(r.opts.Resource, action.String(), w.Span())
	st.report.WindowsFetched++

	if !st.skipping {
		if err := st.acc.CompleteWindow(applyCtx, w.End); err != nil {
			return &FatalError{Window: w, Attempts: res.Attempts, Cause: err}
		}
	}

	log.Debug("Window ingested",
		logger.Window(w.Start, w.End),
		logger.Int("records", len(records)),
		logger.Int64("bytes", out.Bytes),
		logger.Int("pages", out.Pages),
		logger.String("action", action.String()),
	)
	return nil
}

// onFatal applies the fatal policy. It returns the error when the run must stop.
func (r *Runner) onFatal(st *runState, log logger.Logger, fe *FatalError) error {
	if r.opts.OnFatal != PolicySkip || errors.Is(fe.Cause, batch.ErrSinkFailed) {
		return fe
	}

	w, ok := st.planner.Skip()
	if !ok {
		return fe
	}
	st.skipping = true
	st.report.WindowsSkipped++
	st.report.addFatal(fe, true)
	r.deps.Telemetry.RecordSkip(r.opts.Resource, w.Span())

	log.Error("Skipping fatal window",
		logger.Window(w.Start, w.End),
		logger.Int("attempts", fe.Attempts),
		logger.Error(fe.Cause),
	)
	return nil
}

func (r *Runner) commitFunc(st *runState, log logger.Logger) batch.CommitFunc {
	return func(ctx context.Context, cursor time.Time) error {
		st.committed = cursor
		r.deps.Telemetry.RecordCheckpoint(r.opts.Resource, cursor, st.spec.To)

		if r.deps.Store == nil || st.spec.Detached || !cursor.After(st.spec.Floor) {
			return nil
		}
		cp := checkpoint.Checkpoint{
			Resource:  r.opts.Resource,
			Cursor:    cursor,
			RunID:     st.spec.RunID,
			UpdatedAt: r.now(),
		}
		if err := r.deps.Store.Save(ctx, cp); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		log.Debug("Checkpoint saved", logger.Time("cursor", cursor))
		return nil
	}
}

// startSpan picks the first window span from a static capacity estimate or a count
// probe. Any probe failure falls back to the initial span.
func (r *Runner) startSpan(ctx context.Context, spec RunSpec) time.Duration {
	cfg := r.opts.Planner
	perHour := r.opts.CapacityPerHour

	if perHour <= 0 && r.opts.ProbeCapacity && r.deps.Counter != nil && r.deps.Tokens != nil {
		probed, err := r.probe(ctx, spec)
		if err != nil {
			r.log.Warn("Capacity probe failed, using initial span", logger.Error(err))
		} else {
			perHour = probed
		}
	}

	return window.SpanForCapacity(perHour, r.opts.RecordCap, cfg.InitialSpan, cfg.FloorSpan)
}

func (r *Runner) probe(ctx context.Context, spec RunSpec) (float64, error) {
	end := spec.From.Add(r.opts.Planner.InitialSpan)
	if end.After(spec.To) {
		end = spec.To
	}
	w, err := window.New(spec.From, end)
	if err != nil {
		return 0, err
	}

	tok, tokErr := r.deps.Tokens.Token(ctx)
	if tokErr != nil {
		return 0, fmt.Errorf("acquire token: %w", tokErr)
	}
	count, countErr := r.deps.Counter.Count(ctx, w, tok)
	if countErr != nil {
		return 0, fmt.Errorf("count %s: %w", w, countErr)
	}

	perHour := float64(count) / w.Span().Hours()
	r.log.Info("Capacity probe",
		logger.Window(w.Start, w.End),
		logger.Int64("count", count),
		logger.Float64("per_hour", perHour),
	)
	return perHour, nil
}

// finish fills the report from the run state.
func (r *Runner) finish(st *runState, log logger.Logger, runErr error) {
	rep := st.report
	rep.FinishedAt = r.now()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)
	rep.RecordsFetched = st.records
	rep.BytesFetched = st.bytes
	for kind, n := range st.retries {
		rep.Retries[kind.String()] = n
	}

	if st.planner != nil {
		rep.Halvings = st.planner.Halvings()
	}
	if st.acc != nil {
		rep.RecordsIngested = st.acc.Flushed()
		rep.Batches = st.acc.Batches()
	}

	rep.UnmappedFields = st.stats.Unmapped
	rep.UnmappedRatio = st.stats.UnmappedRatio()
	rep.TopUnmapped = st.stats.TopUnmapped(topUnmappedInReport)
	if r.opts.UnmappedWarnRatio > 0 && rep.UnmappedRatio > r.opts.UnmappedWarnRatio {
		warning := fmt.Sprintf("unmapped field ratio %.2f exceeds %.2f (top: %s)",
			rep.UnmappedRatio, r.opts.UnmappedWarnRatio, strings.Join(rep.TopUnmapped, ", "))
		rep.Warnings = append(rep.Warnings, warning)
		log.Warn("Data quality warning", logger.String("warning", warning))
	}

	var fe *FatalError
	switch {
	case runErr == nil && rep.WindowsSkipped > 0:
		rep.Status = StatusPartial
	case runErr == nil:
		rep.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		rep.Status = StatusCancelled
	default:
		rep.Status = StatusFailed
		if errors.As(runErr, &fe) {
			rep.addFatal(fe, false)
		}
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	if rep.Status != StatusCompleted {
		rep.ResumeFrom = st.committed
	}

	r.deps.Telemetry.RecordRun(r.opts.Resource, string(rep.Status), rep.Duration)

	fields := []logger.Field{
		logger.String("status", string(rep.Status)),
		logger.Int("windows", rep.WindowsFetched),
		logger.Int("halvings", rep.Halvings),
		logger.Int64("records", rep.RecordsIngested),
		logger.Int("batches", rep.Batches),
		logger.Duration("duration", rep.Duration),
	}
	if runErr != nil {
		log.Error("Ingestion run ended", append(fields, logger.Error(runErr))...)
		return
	}
	log.Info("Ingestion run finished", fields...)
}

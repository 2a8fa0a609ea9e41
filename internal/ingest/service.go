package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

var (
	// ErrRunInProgress is returned when the resource already has a run in flight.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrUnknownResource is returned for a resource with no runner.
	ErrUnknownResource = errors.New("unknown resource")
	// ErrNoCheckpoint is returned by a resume request when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")
	// ErrInvalidRange is returned when the requested range is empty or reversed.
	ErrInvalidRange = errors.New("invalid range: from must be before to")
)

const (
	defaultLookback    = 30 * 24 * time.Hour
	defaultHistorySize = 20
)

// Request describes one run. A zero From starts at the stored checkpoint, or at
// now minus the lookback when none exists. A zero To means now.
type Request struct {
	Resource string
	From     time.Time
	To       time.Time
	// Resume requires a stored checkpoint and starts from it.
	Resume bool
}

// Service runs resources on demand, one run per resource at a time, and keeps a short
// report history per resource.
type Service struct {
	runners  map[string]*Runner
	store    checkpoint.Store
	lookback time.Duration
	log      logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]string
	history map[string][]*Report
	maxHist int

	background sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLookback sets how far back an incremental run starts without a checkpoint.
func WithLookback(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.lookback = d
		}
	}
}

// WithHistorySize sets how many reports are kept per resource.
func WithHistorySize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxHist = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService returns a service over runners. A nil store disables checkpoint lookups.
func NewService(runners []*Runner, store checkpoint.Store, log logger.Logger, opts ...ServiceOption) *Service {
	if log == nil {
		log = logger.NewNop()
	}

	s := &Service{
		runners:  make(map[string]*Runner, len(runners)),
		store:    store,
		lookback: defaultLookback,
		log:      log,
		now:      time.Now,
		running:  make(map[string]string),
		history:  make(map[string][]*Report),
		maxHist:  defaultHistorySize,
	}
	for _, r := range runners {
		s.runners[r.Resource()] = r
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resources returns the configured resource names, sorted.
func (s *Service) Resources() []string {
	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether resource is configured.
func (s *Service) Has(resource string) bool {
	_, ok := s.runners[resource]
	return ok
}

// Run executes req synchronously and records its report.
func (s *Service) Run(ctx context.Context, req Request) (*Report, error) {
	runner, ok := s.runners[req.Resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, req.Resource)
	}

	runID := uuid.NewString()
	if err := s.acquire(req.Resource, runID); err != nil {
		return nil, err
	}
	defer s.release(req.Resource)

	spec, specErr := s.resolve(ctx, req)
	if specErr != nil {
		return nil, specErr
	}
	spec.RunID = runID

	report, runErr := runner.Run(ctx, spec)
	s.record(report)
	return report, runErr
}

// Start validates req and runs it in the background. The run detaches from ctx so an
// HTTP caller returning does not cancel it; it stops when base is cancelled.
func (s *Service) Start(base context.Context, req Request) (string, error) {
	runner, ok := s.runners[req.Resource]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, req.Resource)
	}

	runID := uuid.NewString()
	if err := s.acquire(req.Resource, runID); err != nil {
		return "", err
	}

	spec, specErr := s.resolve(base, req)
	if specErr != nil {
		s.release(req.Resource)
		return "", specErr
	}
	spec.RunID = runID

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.release(req.Resource)
		report, err := runner.Run(base, spec)
		s.record(report)
		if err != nil {
			s.log.Error("Background run failed",
				logger.String("resource", req.Resource),
				logger.String("run_id", runID),
				logger.Error(err),
			)
		}
	}()

	return runID, nil
}

// Wait blocks until every run started with Start has finished.
func (s *Service) Wait() {
	s.background.Wait()
}

// RunAll runs an incremental request for every resource concurrently. Every resource
// runs to completion; the first error is returned.
func (s *Service) RunAll(ctx context.Context) ([]*Report, error) {
	names := s.Resources()
	reports := make([]*Report, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			report, err := s.Run(ctx, Request{Resource: name})
			reports[i] = report
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, err
}

// Running returns the run id in flight for resource, if any.
func (s *Service) Running(resource string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.running[resource]
	return id, ok
}

// Reports returns the recent reports for resource, newest first.
func (s *Service) Reports(resource string) []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := s.history[resource]
	out := make([]*Report, len(hist))
	for i, r := range hist {
		out[len(hist)-1-i] = r
	}
	return out
}

// Latest returns the most recent report of every resource that has run.
func (s *Service) Latest() []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Report, 0, len(s.history))
	for _, name := range s.Resources() {
		if hist := s.history[name]; len(hist) > 0 {
			out = append(out, hist[len(hist)-1])
		}
	}
	return out
}

func (s *Service) acquire(resource, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, busy := s.running[resource]; busy {
		return fmt.Errorf("%w: %s (run %s)", ErrRunInProgress, resource, current)
	}
	s.running[resource] = runID
	return nil
}

func (s *Service) release(resource string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, resource)
}

func (s *Service) record(report *Report) {
	if report == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hist := append(s.history[report.Resource], report)
	if len(hist) > s.maxHist {
		hist = hist[len(hist)-s.maxHist:]
	}
	s.history[report.Resource] = hist
}

// resolve turns a request into a concrete range. Only a range that starts at or before
// the stored cursor may save checkpoints; an explicit range with no stored cursor never
// does.
func (s *Service) resolve(ctx context.Context, req Request) (RunSpec, error) {
	now := s.now().UTC()
	spec := RunSpec{From: req.From, To: req.To}
	if spec.To.IsZero() {
		spec.To = now
	}

	cp, found, err := s.loadCheckpoint(ctx, req.Resource)
	if err != nil {
		return RunSpec{}, err
	}

	switch {
	case req.Resume && !found:
		return RunSpec{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, req.Resource)
	case found && (spec.From.IsZero() || req.Resume):
		spec.From = cp.Cursor
	case spec.From.IsZero():
		spec.From = now.Add(-s.lookback)
	case !found:
		spec.Detached = true
	}
	if found {
		spec.Floor = cp.Cursor
		spec.Detached = spec.From.After(cp.Cursor)
	}

	if !spec.From.Before(spec.To) {
		return RunSpec{}, fmt.Errorf("%w: %s >= %s", ErrInvalidRange,
			spec.From.Format(time.RFC3339), spec.To.Format(time.RFC3339))
	}
	return spec, nil
}

func (s *Service) loadCheckpoint(ctx context.Context, resource string) (checkpoint.Checkpoint, bool, error) {
	if s.store == nil {
		return checkpoint.Checkpoint{}, false, nil
	}
	cp, found, err := s.store.Load(ctx, resource)
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, found, nil
}

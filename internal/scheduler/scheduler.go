// Package scheduler triggers incremental runs of each resource on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

// Runner executes one run. *ingest.Service implements it.
type Runner interface {
	Run(ctx context.Context, req ingest.Request) (*ingest.Report, error)
}

// Scheduler owns a cron instance with one entry per scheduled resource.
type Scheduler struct {
	runs   Runner
	log    logger.Logger
	cron   *cron.Cron
	parser cron.Parser

	mu      sync.Mutex
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a stopped scheduler. Schedules use the standard 5-field format or a
// descriptor such as @hourly or @every 30m.
func New(runs Runner, log logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		runs:    runs,
		log:     log,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		parser:  parser,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules incremental runs of resource.
func (s *Scheduler) Add(resource, spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, resource, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.entries[resource]; exists {
		s.cron.Remove(id)
	}

	id, err := s.cron.AddFunc(spec, func() { s.Trigger(resource) })
	if err != nil {
		return fmt.Errorf("add cron entry for %s: %w", resource, err)
	}
	s.entries[resource] = id

	s.log.Info("Scheduled resource",
		logger.String("resource", resource),
		logger.String("schedule", spec),
	)
	return nil
}

// Next returns the next scheduled time of resource. It is zero until Start.
func (s *Scheduler) Next(resource string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[resource]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Trigger runs resource once, incrementally. A run already in flight is not an error.
func (s *Scheduler) Trigger(resource string) {
	s.wg.Add(1)
	defer s.wg.Done()

	if s.ctx.Err() != nil {
		return
	}

	s.log.Info("Cron triggered run", logger.String("resource", resource))
	report, err := s.runs.Run(s.ctx, ingest.Request{Resource: resource})
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		s.log.Info("Skipping scheduled run, previous run still in progress",
			logger.String("resource", resource))
	case err != nil:
		s.log.Error("Scheduled run failed",
			logger.String("resource", resource),
			logger.Error(err))
	default:
		s.log.Info("Scheduled run finished",
			logger.String("resource", resource),
			logger.String("status", string(report.Status)),
			logger.Int64("records", report.RecordsIngested))
	}
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", logger.Int("entries", len(s.cron.Entries())))
}

// Stop stops scheduling, cancels running jobs, and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

package ingest

import (
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

// Status is the terminal state of a run.
type Status string

const (
	// StatusCompleted means the whole range was ingested.
	StatusCompleted Status = "completed"
	// StatusPartial means the range was covered but fatal windows were skipped.
	StatusPartial Status = "partial"
	// StatusFailed means a fatal window aborted the run.
	StatusFailed Status = "failed"
	// StatusCancelled means the run was stopped between windows.
	StatusCancelled Status = "cancelled"
)

// FatalError is a window that could not be ingested. ResumeFrom is the durable cursor a
// resumed run must start from.
type FatalError struct {
	Window     window.Window
	Attempts   int
	Cause      error
	ResumeFrom time.Time
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("window %s failed after %d attempts (resume from %s): %v",
		e.Window, e.Attempts, e.ResumeFrom.UTC().Format(time.RFC3339), e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// FatalWindow is the report entry for a fatal window.
type FatalWindow struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Attempts int       `json:"attempts"`
	Cause    string    `json:"cause"`
	Skipped  bool      `json:"skipped"`
}

// Report summarizes one run. It is produced for every run, including failed ones.
type Report struct {
	RunID    string    `json:"run_id"`
	Resource string    `json:"resource"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`

	WindowsAttempted int            `json:"windows_attempted"`
	WindowsFetched   int            `json:"windows_fetched"`
	WindowsSkipped   int            `json:"windows_skipped"`
	Halvings         int            `json:"halvings"`
	StartSpan        string         `json:"start_span"`
	Attempts         int            `json:"attempts"`
	Retries          map[string]int `json:"retries"`
	Refreshes        int            `json:"auth_refreshes"`

	RecordsFetched  int64 `json:"records_fetched"`
	RecordsIngested int64 `json:"records_ingested"`
	BytesFetched    int64 `json:"bytes_fetched"`
	Batches         int   `json:"batches_flushed"`

	UnmappedFields int      `json:"unmapped_fields"`
	UnmappedRatio  float64  `json:"unmapped_ratio"`
	TopUnmapped    []string `json:"top_unmapped,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`

	FatalWindows []FatalWindow `json:"fatal_windows,omitempty"`
	ResumeFrom   time.Time     `json:"resume_from,omitzero"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

func newReport(runID, resource string, from, to time.Time, now time.Time) *Report {
	return &Report{
		RunID:     runID,
		Resource:  resource,
		From:      from,
		To:        to,
		Retries:   make(map[string]int),
		StartedAt: now,
	}
}

func (r *Report) addFatal(fe *FatalError, skipped bool) {
	r.FatalWindows = append(r.FatalWindows, FatalWindow{
		Start:    fe.Window.Start,
		End:      fe.Window.End,
		Attempts: fe.Attempts,
		Cause:    fe.Cause.Error(),
		Skipped:  skipped,
	})
}

// Package window plans the sequence of time windows requested from the upstream API.
package window

import (
	"errors"
	"fmt"
	"time"
)

// Granularity is the time-span unit a window is expressed in.
type Granularity int

const (
	Day Granularity = iota
	Hour
	SubHour
)

func (g Granularity) String() string {
	switch g {
	case Day:
		return "day"
	case Hour:
		return "hour"
	case SubHour:
		return "sub_hour"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// GranularityFor returns the granularity a span is expressed in.
func GranularityFor(span time.Duration) Granularity {
	switch {
	case span >= 24*time.Hour:
		return Day
	case span >= time.Hour:
		return Hour
	default:
		return SubHour
	}
}

// ErrEmptyWindow is returned for a window whose start is not before its end.
var ErrEmptyWindow = errors.New("window start must be before end")

// Window is the half-open interval [Start, End).
type Window struct {
	Start       time.Time
	End         time.Time
	Granularity Granularity
}

// New returns the window [start, end).
func New(start, end time.Time) (Window, error) {
	if !start.Before(end) {
		return Window{}, fmt.Errorf("%w: [%s, %s)", ErrEmptyWindow,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Window{Start: start, End: end, Granularity: GranularityFor(end.Sub(start))}, nil
}

// Span returns the window length.
func (w Window) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

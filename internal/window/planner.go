package window

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrWindowTooSmall is returned when a window at the floor span is still too large.
	ErrWindowTooSmall = errors.New("window too small: floor span still exceeds upstream cap")
	// ErrHalvingLimit is returned when one start point has been halved MaxHalvings times.
	ErrHalvingLimit = errors.New("halving limit reached")
	// ErrPlanComplete is returned when Observe is called after the range is covered.
	ErrPlanComplete = errors.New("plan complete")
)

// State is the planner state for the current start point.
type State int

const (
	// Nominal: no halving at the current start point and span above the floor.
	Nominal State = iota
	// Shrinking: the current start point has been halved at least once.
	Shrinking
	// Floor: the current window is at or below the floor span.
	Floor
)

func (s State) String() string {
	return [...]string{"nominal", "shrinking", "floor"}[s]
}

// Event is the fetch result the planner reacts to.
type Event int

const (
	// Success is a fetch that fit under the caps.
	Success Event = iota
	// Comfortable is a success well under the caps; a candidate for growth.
	Comfortable
	// TooLarge is a fetch rejected for exceeding a cap.
	TooLarge
)

func (e Event) String() string {
	return [...]string{"success", "comfortable", "too_large"}[e]
}

// Action is what the planner does in response to an event.
type Action int

const (
	Advance Action = iota
	AdvanceGrow
	Shrink
	Fail
)

func (a Action) String() string {
	return [...]string{"advance", "advance_grow", "shrink", "fail"}[a]
}

// transitions is the planner state machine. Growth is never attempted right after a
// shrink, and a floor window that is too large fails.
var transitions = [...][3]Action{
	Nominal:   {Success: Advance, Comfortable: AdvanceGrow, TooLarge: Shrink},
	Shrinking: {Success: Advance, Comfortable: Advance, TooLarge: Shrink},
	Floor:     {Success: Advance, Comfortable: AdvanceGrow, TooLarge: Fail},
}

// Transition returns the action for event in state.
func Transition(s State, e Event) Action {
	return transitions[s][e]
}

// Config tunes the planner.
type Config struct {
	// InitialSpan is the original granularity and the cap for growth.
	InitialSpan time.Duration
	// StartSpan is the span of the first window. Zero means InitialSpan.
	StartSpan   time.Duration
	FloorSpan   time.Duration
	MaxHalvings int
	Grow        bool
	// GrowCooldown is the number of consecutive comfortable windows after which the
	// remembered too-large span is forgotten. Zero remembers it for the whole plan.
	GrowCooldown int
}

// Planner covers [from, to) with contiguous windows, halving on TooLarge and
// optionally growing after comfortable successes. It is not safe for concurrent use.
type Planner struct {
	cfg      Config
	from     time.Time
	to       time.Time
	cursor   time.Time
	span     time.Duration
	halvings int

	// smallest span that returned TooLarge; growth stays below it
	tooLargeMin time.Duration
	streak      int

	totalHalvings int
	windows       int
}

// NewPlanner returns a planner for [from, to).
func NewPlanner(from, to time.Time, cfg Config) (*Planner, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("plan range: %w", ErrEmptyWindow)
	}
	if cfg.InitialSpan <= 0 {
		return nil, errors.New("initial span must be positive")
	}
	if cfg.FloorSpan <= 0 || cfg.FloorSpan > cfg.InitialSpan {
		return nil, errors.New("floor span must be positive and not exceed initial span")
	}
	if cfg.MaxHalvings < 1 {
		return nil, errors.New("max halvings must be at least 1")
	}

	start := cfg.StartSpan
	if start <= 0 || start > cfg.InitialSpan {
		start = cfg.InitialSpan
	}
	if start < cfg.FloorSpan {
		start = cfg.FloorSpan
	}

	return &Planner{
		cfg:    cfg,
		from:   from,
		to:     to,
		cursor: from,
		span:   start,
	}, nil
}

// Done reports whether the whole range has been covered.
func (p *Planner) Done() bool {
	return !p.cursor.Before(p.to)
}

// Current returns the window to fetch next. The last window is clipped to the range end.
func (p *Planner) Current() (Window, bool) {
	if p.Done() {
		return Window{}, false
	}
	end := p.cursor.Add(p.span)
	if end.After(p.to) {
		end = p.to
	}
	return Window{Start: p.cursor, End: end, Granularity: GranularityFor(end.Sub(p.cursor))}, true
}

// Cursor returns the start of the first window not yet covered.
func (p *Planner) Cursor() time.Time {
	return p.cursor
}

// Span returns the span the next window will be planned with.
func (p *Planner) Span() time.Duration {
	return p.span
}

// State returns the planner state for the current window.
func (p *Planner) State() State {
	w, ok := p.Current()
	if !ok {
		return Nominal
	}
	switch {
	case w.Span() <= p.cfg.FloorSpan:
		return Floor
	case p.halvings > 0:
		return Shrinking
	default:
		return Nominal
	}
}

// Halvings returns the total number of halving events so far.
func (p *Planner) Halvings() int {
	return p.totalHalvings
}

// Windows returns the number of windows advanced past so far.
func (p *Planner) Windows() int {
	return p.windows
}

// Observe applies the fetch result for the current window and returns the action taken.
// Fail leaves the cursor on the failed window and returns ErrWindowTooSmall or
// ErrHalvingLimit.
func (p *Planner) Observe(e Event) (Action, error) {
	w, ok := p.Current()
	if !ok {
		return Fail, ErrPlanComplete
	}

	action := Transition(p.State(), e)
	if action == Shrink && p.halvings >= p.cfg.MaxHalvings {
		action = Fail
	}
	if action == AdvanceGrow && !p.cfg.Grow {
		action = Advance
	}

	if e == Comfortable {
		p.streak++
	} else {
		p.streak = 0
	}

	switch action {
	case Advance:
		p.advance(w)
	case AdvanceGrow:
		p.advance(w)
		p.grow()
	case Shrink:
		p.shrink(w)
	case Fail:
		if w.Span() <= p.cfg.FloorSpan {
			return Fail, fmt.Errorf("%w: %s", ErrWindowTooSmall, w)
		}
		return Fail, fmt.Errorf("%w: %d halvings at %s", ErrHalvingLimit, p.halvings, w)
	}

	return action, nil
}

// Skip advances past the current window without fetching it. Used by the skip policy
// after a fatal window.
func (p *Planner) Skip() (Window, bool) {
	w, ok := p.Current()
	if !ok {
		return Window{}, false
	}
	p.advance(w)
	return w, true
}

func (p *Planner) advance(w Window) {
	p.cursor = w.End
	p.halvings = 0
	p.windows++
}

func (p *Planner) shrink(w Window) {
	if p.tooLargeMin == 0 || w.Span() < p.tooLargeMin {
		p.tooLargeMin = w.Span()
	}

	next := w.Span() / 2
	if next < p.cfg.FloorSpan {
		next = p.cfg.FloorSpan
	}
	p.span = next
	p.halvings++
	p.totalHalvings++
}

func (p *Planner) grow() {
	if p.cfg.GrowCooldown > 0 && p.streak >= p.cfg.GrowCooldown {
		p.tooLargeMin = 0
		p.streak = 0
	}

	next := p.span * 2
	if next > p.cfg.InitialSpan {
		next = p.cfg.InitialSpan
	}
	if p.tooLargeMin > 0 && next >= p.tooLargeMin {
		return
	}
	p.span = next
}

// Classify turns a successful fetch into Success or Comfortable. A fetch is comfortable
// when both records and bytes are below ratio of their caps. A zero cap is ignored.
func Classify(records int, bytes int64, recordCap int, byteCap int64, ratio float64) Event {
	if ratio <= 0 {
		return Success
	}
	if recordCap > 0 && float64(records) >= ratio*float64(recordCap) {
		return Success
	}
	if byteCap > 0 && float64(bytes) >= ratio*float64(byteCap) {
		return Success
	}
	return Comfortable
}

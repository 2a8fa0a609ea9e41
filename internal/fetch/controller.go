// Package fetch drives window fetches with per-class retry, backoff and token refresh.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/auth"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/retry"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/upstream"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

var (
	// ErrRetriesExhausted is returned when a window keeps failing transiently.
	ErrRetriesExhausted = errors.New("transient retries exhausted")
	// ErrAuthRejected is returned when a freshly refreshed token is rejected again.
	ErrAuthRejected = errors.New("token rejected after refresh")
)

// Result is the outcome of driving one window to completion.
type Result struct {
	// Outcome is the last fetch outcome. On success it carries the records.
	Outcome upstream.Outcome
	// Attempts counts every fetch attempt, including the auth retry.
	Attempts int
	// Retries counts backoff retries by transient class.
	Retries   map[upstream.TransientKind]int
	Refreshes int
	// Err is set when the window failed and must be treated as fatal.
	Err error
}

// TooLarge reports whether the window must be resized by the planner.
func (r Result) TooLarge() bool {
	return r.Err == nil && r.Outcome.Kind == upstream.KindTooLarge
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller wraps a Fetcher with retry policy. It holds no per-window state and is
// safe for concurrent use when its Fetcher and Provider are.
type Controller struct {
	fetcher upstream.Fetcher
	tokens  auth.Provider
	policy  retry.Config
	sleep   SleepFunc
	log     logger.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

// NewController returns a controller using policy for transient backoff.
func NewController(fetcher upstream.Fetcher, tokens auth.Provider, policy retry.Config, log logger.Logger, opts ...Option) *Controller {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if log == nil {
		log = logger.NewNop()
	}

	c := &Controller{
		fetcher: fetcher,
		tokens:  tokens,
		policy:  policy,
		sleep:   retry.Wait,
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do fetches w until it succeeds, is too large, or fails. Transient failures are
// retried with backoff up to the attempt budget. An auth rejection triggers one
// synchronous refresh and one immediate retry outside the budget.
func (c *Controller) Do(ctx context.Context, w window.Window) Result {
	res := Result{Retries: make(map[upstream.TransientKind]int)}
	budgeted := 0
	authRetried := false

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		tok, tokErr := c.tokens.Token(ctx)
		if tokErr != nil {
			res.Err = fmt.Errorf("acquire token: %w", tokErr)
			return res
		}

		res.Attempts++
		out := c.fetcher.Fetch(ctx, w, tok)
		res.Outcome = out

		switch out.Kind {
		case upstream.KindSuccess, upstream.KindTooLarge:
			return res

		case upstream.KindAuthExpired:
			if authRetried {
				res.Err = fmt.Errorf("%w: %w", ErrAuthRejected, out.Err)
				return res
			}
			authRetried = true
			res.Refreshes++

			c.tokens.Invalidate(tok)
			if _, refreshErr := c.tokens.Token(ctx); refreshErr != nil {
				res.Err = fmt.Errorf("refresh token: %w", refreshErr)
				return res
			}
			c.log.Info("Refreshed rejected token",
				logger.Window(w.Start, w.End),
				logger.Int("attempt", res.Attempts),
			)

		case upstream.KindTransient:
			budgeted++
			if budgeted >= c.policy.MaxAttempts {
				res.Err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, res.Attempts, out.Err)
				return res
			}
			res.Retries[out.Transient]++

			delay := c.backoff(budgeted, out.RetryAfter)
			c.log.Warn("Transient fetch failure, retrying",
				logger.Window(w.Start, w.End),
				logger.String("class", out.Transient.String()),
				logger.Int("attempt", res.Attempts),
				logger.Duration("delay", delay),
				logger.Error(out.Err),
			)
			if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
				res.Err = sleepErr
				return res
			}

		default:
			res.Err = out.Err
			if res.Err == nil {
				res.Err = fmt.Errorf("%w: %s", upstream.ErrFatalResponse, out)
			}
			return res
		}
	}
}

// backoff returns the delay before retry n. A Retry-After hint wins when it is longer,
// but never exceeds the configured maximum delay.
func (c *Controller) backoff(n int, retryAfter time.Duration) time.Duration {
	delay := c.policy.Delay(n)
	if retryAfter > delay {
		delay = retryAfter
		if c.policy.MaxDelay > 0 && delay > c.policy.MaxDelay {
			delay = c.policy.MaxDelay
		}
	}
	return delay
}

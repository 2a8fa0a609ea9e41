// Package upstream fetches time windows from the upstream search API and classifies
// each attempt into an Outcome.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/auth"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

// ErrFatalResponse marks a response that must not be retried.
var ErrFatalResponse = errors.New("fatal upstream response")

// Kind tags an Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindTooLarge
	KindTransient
	KindAuthExpired
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTooLarge:
		return "too_large"
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth_expired"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransientKind classifies a retryable failure.
type TransientKind int

const (
	Timeout TransientKind = iota
	ConnectionError
	Server5xx
	RateLimited
)

// TransientKinds lists every TransientKind in order.
var TransientKinds = []TransientKind{Timeout, ConnectionError, Server5xx, RateLimited}

func (k TransientKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionError:
		return "connection_error"
	case Server5xx:
		return "server_5xx"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("transient(%d)", int(k))
	}
}

// RawRecord is one upstream record keyed by upstream field names.
type RawRecord = map[string]any

// Outcome is the classified result of one window fetch attempt.
type Outcome struct {
	Kind Kind
	// Records and Bytes are set for KindSuccess only.
	Records []RawRecord
	Bytes   int64
	Pages   int
	// Transient and RetryAfter are set for KindTransient.
	Transient  TransientKind
	RetryAfter time.Duration
	// Status is the HTTP status that decided the outcome, if any.
	Status int
	Err    error
}

// Success returns a successful outcome.
func Success(records []RawRecord, bytes int64, pages int) Outcome {
	return Outcome{Kind: KindSuccess, Records: records, Bytes: bytes, Pages: pages}
}

// TooLarge returns an oversized-window outcome.
func TooLarge(status int, reason string) Outcome {
	return Outcome{Kind: KindTooLarge, Status: status, Err: errors.New(reason)}
}

// Transient returns a retryable outcome.
func Transient(kind TransientKind, status int, err error) Outcome {
	return Outcome{Kind: KindTransient, Transient: kind, Status: status, Err: err}
}

// AuthExpired returns an auth-rejection outcome.
func AuthExpired(err error) Outcome {
	return Outcome{Kind: KindAuthExpired, Status: http.StatusUnauthorized, Err: err}
}

// Fatal returns a non-retryable outcome.
func Fatal(status int, err error) Outcome {
	return Outcome{Kind: KindFatal, Status: status, Err: err}
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("success(%d records, %d bytes)", len(o.Records), o.Bytes)
	case KindTransient:
		return fmt.Sprintf("transient(%s): %v", o.Transient, o.Err)
	default:
		if o.Err != nil {
			return fmt.Sprintf("%s: %v", o.Kind, o.Err)
		}
		return o.Kind.String()
	}
}

// Fetcher fetches every record of one window with the given token.
type Fetcher interface {
	Fetch(ctx context.Context, w window.Window, tok auth.Token) Outcome
}

// Counter estimates how many records fall in a window.
type Counter interface {
	Count(ctx context.Context, w window.Window, tok auth.Token) (int64, error)
}

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/auth"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

const (
	defaultTimeout             = 60 * time.Second
	defaultPageSize            = 20
	defaultMaxPages            = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTooLargeMarker      = "Response Entity Too Large"
	maxErrorBody               = 4 << 10
	userAgent                  = "api-ingestor/1.0"
	timeLayout                 = "2006-01-02T15:04:05.000000Z"
)

// Config configures the upstream client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	PageSize int
	// MaxPages times PageSize is the per-window item cap.
	MaxPages int
	// MaxBytes caps the summed body size of one window. Zero disables the cap.
	MaxBytes          int64
	RequestsPerSecond float64
	Burst             int
	// TooLargeMarker in a 500 body marks an oversized response.
	TooLargeMarker string
	HTTPClient     *http.Client
}

// ItemCap returns the maximum number of records one window can return.
func (c Config) ItemCap() int {
	return c.PageSize * c.MaxPages
}

// Client talks to the upstream search API. Requests from every Endpoint share one
// rate limiter.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logger.Logger
}

// NewClient returns an upstream client.
func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.TooLargeMarker == "" {
		cfg.TooLargeMarker = defaultTooLargeMarker
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	if log == nil {
		log = logger.NewNop()
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// Config returns the effective client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Resource describes one upstream resource type.
type Resource struct {
	Name      string
	Endpoint  string
	TimeField string
	SortField string
}

// Endpoint fetches windows of one resource.
type Endpoint struct {
	client *Client
	res    Resource
	url    string
}

// Endpoint returns a Fetcher and Counter for res.
func (c *Client) Endpoint(res Resource) *Endpoint {
	if res.SortField == "" {
		res.SortField = res.TimeField
	}
	return &Endpoint{
		client: c,
		res:    res,
		url:    c.cfg.BaseURL + "/" + strings.TrimLeft(res.Endpoint, "/"),
	}
}

type sortSpec struct {
	Field     string `json:"field"`
	SortOrder string `json:"sortOrder"`
}

type rangeFilter struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type searchRequest struct {
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
	Sorts  []sortSpec `json:"sorts"`
	Query  struct {
		FilteredQuery struct {
			Query struct {
				MatchAll struct{} `json:"match_all_query"`
			} `json:"query"`
			Filter struct {
				RangeFilter rangeFilter `json:"range_filter"`
			} `json:"filter"`
		} `json:"filtered_query"`
	} `json:"query"`
}

type searchResponse struct {
	Hits  []map[string]json.RawMessage `json:"hits"`
	Total *int64                       `json:"total"`
}

func (e *Endpoint) searchBody(w window.Window, offset, limit int) ([]byte, error) {
	var req searchRequest
	req.Offset = offset
	req.Limit = limit
	req.Sorts = []sortSpec{{Field: e.res.SortField, SortOrder: "asc"}}
	req.Query.FilteredQuery.Filter.RangeFilter = rangeFilter{
		Field: e.res.TimeField,
		From:  w.Start.UTC().Format(timeLayout),
		To:    w.End.UTC().Format(timeLayout),
	}
	return json.Marshal(req)
}

// Fetch pages through every record of w. Any page failure fails the whole window, so
// a partial window is never returned. A window that fills exactly MaxPages pages
// without a reported total is confirmed with a one-record page past the cap.
func (e *Endpoint) Fetch(ctx context.Context, w window.Window, tok auth.Token) Outcome {
	cfg := e.client.cfg
	records := make([]RawRecord, 0, cfg.PageSize)
	var total int64
	known := int64(-1)

	for page := 1; ; page++ {
		overflow := page > cfg.MaxPages
		limit := cfg.PageSize
		budget := int64(-1)
		if overflow {
			limit = 1
		} else if cfg.MaxBytes > 0 {
			budget = cfg.MaxBytes - total
		}

		resp, outcome, ok := e.search(ctx, w, tok, len(records), limit, budget)
		if !ok {
			return outcome
		}

		if overflow {
			if len(resp.records) > 0 {
				return TooLarge(0, fmt.Sprintf("window needs more than %d pages of %d", cfg.MaxPages, cfg.PageSize))
			}
			return e.fetched(w, records, total, page-1)
		}
		total += resp.size

		if page == 1 && resp.total != nil {
			if *resp.total > int64(cfg.ItemCap()) {
				return TooLarge(0, fmt.Sprintf("window holds %d records, cap is %d", *resp.total, cfg.ItemCap()))
			}
			known = *resp.total
		}

		records = append(records, resp.records...)
		if len(resp.records) < cfg.PageSize || (known >= 0 && int64(len(records)) >= known) {
			return e.fetched(w, records, total, page)
		}
	}
}

func (e *Endpoint) fetched(w window.Window, records []RawRecord, size int64, pages int) Outcome {
	e.client.log.Debug("Fetched window",
		logger.String("resource", e.res.Name),
		logger.Window(w.Start, w.End),
		logger.Int("records", len(records)),
		logger.Int("pages", pages),
		logger.Int64("bytes", size),
	)
	return Success(records, size, pages)
}

// Count returns the upstream's total for w using a one-record page.
func (e *Endpoint) Count(ctx context.Context, w window.Window, tok auth.Token) (int64, error) {
	resp, outcome, ok := e.search(ctx, w, tok, 0, 1, -1)
	if !ok {
		return 0, fmt.Errorf("count %s: %s", w, outcome)
	}
	if resp.total != nil {
		return *resp.total, nil
	}
	return int64(len(resp.records)), nil
}

type pageResult struct {
	records []RawRecord
	total   *int64
	size    int64
}

// search issues one page request. ok is false when outcome decides the window.
// budget caps the body size; a negative budget disables the cap.
func (e *Endpoint) search(
	ctx context.Context, w window.Window, tok auth.Token, offset, limit int, budget int64,
) (pageResult, Outcome, bool) {
	if err := e.client.limiter.Wait(ctx); err != nil {
		return pageResult{}, Fatal(0, fmt.Errorf("rate limiter wait: %w", err)), false
	}

	body, err := e.searchBody(w, offset, limit)
	if err != nil {
		return pageResult{}, Fatal(0, fmt.Errorf("%w: encode search body: %w", ErrFatalResponse, err)), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return pageResult{}, Fatal(0, fmt.Errorf("%w: build request: %w", ErrFatalResponse, err)), false
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.http.Do(req)
	if err != nil {
		return pageResult{}, classifyTransportError(ctx, err), false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return pageResult{}, e.classifyStatus(resp), false
	}

	reader := io.Reader(resp.Body)
	if budget >= 0 {
		reader = io.LimitReader(resp.Body, budget+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return pageResult{}, classifyTransportError(ctx, err), false
	}
	if budget >= 0 && int64(len(data)) > budget {
		return pageResult{}, TooLarge(resp.StatusCode, "window body exceeds byte cap"), false
	}

	var sr searchResponse
	if decodeErr := json.Unmarshal(data, &sr); decodeErr != nil {
		return pageResult{}, Fatal(resp.StatusCode, fmt.Errorf("%w: decode page: %w", ErrFatalResponse, decodeErr)), false
	}

	records, err := unwrapHits(sr.Hits)
	if err != nil {
		return pageResult{}, Fatal(resp.StatusCode, fmt.Errorf("%w: %w", ErrFatalResponse, err)), false
	}

	return pageResult{records: records, total: sr.Total, size: int64(len(data))}, Outcome{}, true
}

// unwrapHits returns each hit's "data" object, or the hit itself when it has none.
func unwrapHits(hits []map[string]json.RawMessage) ([]RawRecord, error) {
	records := make([]RawRecord, 0, len(hits))
	for i, hit := range hits {
		raw, wrapped := hit["data"]
		var rec RawRecord
		if wrapped {
			if err := json.Unmarshal(raw, &rec); err != nil {
				return nil, fmt.Errorf("decode hit %d data: %w", i, err)
			}
		} else {
			rec = make(RawRecord, len(hit))
			for k, v := range hit {
				var val any
				if err := json.Unmarshal(v, &val); err != nil {
					return nil, fmt.Errorf("decode hit %d field %s: %w", i, k, err)
				}
				rec[k] = val
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (e *Endpoint) classifyStatus(resp *http.Response) Outcome {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	statusErr := fmt.Errorf("%s returned %d: %s", e.res.Endpoint, resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return AuthExpired(statusErr)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return TooLarge(resp.StatusCode, msg)
	case resp.StatusCode == http.StatusInternalServerError && strings.Contains(msg, e.client.cfg.TooLargeMarker):
		return TooLarge(resp.StatusCode, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		o := Transient(RateLimited, resp.StatusCode, statusErr)
		o.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return o
	case resp.StatusCode >= http.StatusInternalServerError:
		o := Transient(Server5xx, resp.StatusCode, statusErr)
		o.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return o
	default:
		return Fatal(resp.StatusCode, fmt.Errorf("%w: %w", ErrFatalResponse, statusErr))
	}
}

func classifyTransportError(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return Fatal(0, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Transient(Timeout, 0, err)
	}
	return Transient(ConnectionError, 0, err)
}

// parseRetryAfter reads delay-seconds or an HTTP date. Unparseable values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// Package telemetry provides Prometheus metrics and OpenTelemetry tracing for ingestion
// runs.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName = "api-ingestor"
	namespace   = "api_ingestor"
)

// Metrics holds all ingestion Prometheus metrics.
type Metrics struct {
	// Window planning
	Windows     *prometheus.CounterVec
	WindowSpan  *prometheus.GaugeVec
	Halvings    *prometheus.CounterVec
	SkippedSpan *prometheus.CounterVec

	// Fetching
	FetchAttempts *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Refreshes     *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// Records
	RecordsFetched  *prometheus.CounterVec
	RecordsFlushed  *prometheus.CounterVec
	BatchesFlushed  *prometheus.CounterVec
	UnmappedFields  *prometheus.CounterVec
	CheckpointDelay *prometheus.GaugeVec

	// Runs
	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
}

// Provider wraps the tracer and metrics. A nil *Provider records nothing.
type Provider struct {
	Tracer   trace.Tracer
	Metrics  *Metrics
	gatherer prometheus.Gatherer
}

// NewProvider registers metrics with reg. A nil reg uses the default registry.
func NewProvider(reg prometheus.Registerer) *Provider {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Provider{
		Tracer:   otel.Tracer(serviceName),
		Metrics:  initMetrics(promauto.With(reg)),
		gatherer: gatherer,
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	if p == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func initMetrics(f promauto.Factory) *Metrics {
	m := &Metrics{}
	initWindowMetrics(f, m)
	initFetchMetrics(f, m)
	initRecordMetrics(f, m)
	initRunMetrics(f, m)
	return m
}

func initWindowMetrics(f promauto.Factory, m *Metrics) {
	m.Windows = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "windows_total",
		Help:      "Window observations by planner action",
	}, []string{"resource", "action"})

	m.WindowSpan = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "window_span_seconds",
		Help:      "Span of the current window",
	}, []string{"resource"})

	m.Halvings = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "window_halvings_total",
		Help:      "Windows halved after a too-large response",
	}, []string{"resource"})

	m.SkippedSpan = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "skipped_span_seconds_total",
		Help:      "Time range skipped after fatal windows",
	}, []string{"resource"})
}

func initFetchMetrics(f promauto.Factory, m *Metrics) {
	m.FetchAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Upstream fetch attempts by outcome",
	}, []string{"resource", "outcome"})

	m.Retries = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Retries after transient faults",
	}, []string{"resource", "kind"})

	m.Refreshes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "Token refreshes after the upstream rejected a token",
	}, []string{"resource"})

	m.FetchDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "window_fetch_duration_seconds",
		Help:      "Time to fetch one window including retries",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"resource"})
}

func initRecordMetrics(f promauto.Factory, m *Metrics) {
	m.RecordsFetched = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_fetched_total",
		Help:      "Records returned by successful windows",
	}, []string{"resource"})

	m.RecordsFlushed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_flushed_total",
		Help:      "Records written to the sink",
	}, []string{"resource"})

	m.BatchesFlushed = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_flushed_total",
		Help:      "Batches written to the sink",
	}, []string{"resource"})

	m.UnmappedFields = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unmapped_fields_total",
		Help:      "Source fields with no mapping entry",
	}, []string{"resource"})

	m.CheckpointDelay = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "checkpoint_lag_seconds",
		Help:      "Distance between the durable cursor and the run end",
	}, []string{"resource"})
}

func initRunMetrics(f promauto.Factory, m *Metrics) {
	m.Runs = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Completed runs by status",
	}, []string{"resource", "status"})

	m.RunDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a run",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
	}, []string{"resource"})
}

// RecordWindow records one planner observation.
func (p *Provider) RecordWindow(resource, action string, span time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.Windows.WithLabelValues(resource, action).Inc()
	p.Metrics.WindowSpan.WithLabelValues(resource).Set(span.Seconds())
	if action == "shrink" {
		p.Metrics.Halvings.WithLabelValues(resource).Inc()
	}
}

// RecordSkip records a skipped window.
func (p *Provider) RecordSkip(resource string, span time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.SkippedSpan.WithLabelValues(resource).Add(span.Seconds())
}

// RecordFetch records the attempts and retries spent on one window.
func (p *Provider) RecordFetch(resource, outcome string, attempts int, retries map[string]int, refreshes int, d time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.FetchAttempts.WithLabelValues(resource, outcome).Add(float64(attempts))
	for kind, n := range retries {
		p.Metrics.Retries.WithLabelValues(resource, kind).Add(float64(n))
	}
	if refreshes > 0 {
		p.Metrics.Refreshes.WithLabelValues(resource).Add(float64(refreshes))
	}
	p.Metrics.FetchDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// RecordRecords records fetched records and their unmapped field count.
func (p *Provider) RecordRecords(resource string, records, unmapped int) {
	if p == nil {
		return
	}
	p.Metrics.RecordsFetched.WithLabelValues(resource).Add(float64(records))
	p.Metrics.UnmappedFields.WithLabelValues(resource).Add(float64(unmapped))
}

// RecordFlush records one sink write.
func (p *Provider) RecordFlush(resource string, records int) {
	if p == nil {
		return
	}
	p.Metrics.BatchesFlushed.WithLabelValues(resource).Inc()
	p.Metrics.RecordsFlushed.WithLabelValues(resource).Add(float64(records))
}

// RecordCheckpoint records how far the durable cursor trails the run end.
func (p *Provider) RecordCheckpoint(resource string, cursor, end time.Time) {
	if p == nil {
		return
	}
	p.Metrics.CheckpointDelay.WithLabelValues(resource).Set(end.Sub(cursor).Seconds())
}

// RecordRun records a finished run.
func (p *Provider) RecordRun(resource, status string, d time.Duration) {
	if p == nil {
		return
	}
	p.Metrics.Runs.WithLabelValues(resource, status).Inc()
	p.Metrics.RunDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// StartSpan starts a new trace span. The caller ends it.
//
//nolint:spancheck // Caller is responsible for ending the span
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return p.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

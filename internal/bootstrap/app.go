package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/auth"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/batch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/fetch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/retry"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/telemetry"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/upstream"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/window"
)

// App is a fully wired ingestor.
type App struct {
	Config      *config.Config
	Log         logger.Logger
	Service     *ingest.Service
	Telemetry   *telemetry.Provider
	Connections *Connections
}

// NewApp opens the configured stores and builds one runner per resource. reg receives
// the metrics; nil means the default registry.
func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger, reg prometheus.Registerer) (*App, error) {
	conns, connErr := SetupConnections(ctx, cfg, log)
	if connErr != nil {
		return nil, connErr
	}

	sinks, sinkErr := conns.Sinks(cfg, log)
	if sinkErr != nil {
		_ = conns.Close()
		return nil, fmt.Errorf("sink: %w", sinkErr)
	}

	tel := telemetry.NewProvider(reg)
	store := conns.CheckpointStore(cfg)
	tokens := TokenProvider(cfg, log)
	client := upstream.NewClient(UpstreamConfig(cfg), log)

	runners := make([]*ingest.Runner, 0, len(cfg.Resources))
	for _, res := range cfg.Resources {
		runner, runnerErr := buildRunner(cfg, res, runnerParts{
			client:    client,
			tokens:    tokens,
			sink:      sinks(res),
			telemetry: tel,
			log:       log,
		}, store)
		if runnerErr != nil {
			_ = conns.Close()
			return nil, fmt.Errorf("resource %s: %w", res.Name, runnerErr)
		}
		runners = append(runners, runner)
	}

	svc := ingest.NewService(runners, store, log, ingest.WithLookback(cfg.Run.Lookback))

	return &App{
		Config:      cfg,
		Log:         log,
		Service:     svc,
		Telemetry:   tel,
		Connections: conns,
	}, nil
}

// Close releases the store connections.
func (a *App) Close() {
	if err := a.Connections.Close(); err != nil {
		a.Log.Error("Failed to close connections", logger.Error(err))
	}
}

// TokenProvider returns client credentials when a token URL is configured, otherwise
// the static API key.
func TokenProvider(cfg *config.Config, log logger.Logger) auth.Provider {
	if cfg.OAuth.TokenURL == "" {
		return auth.NewStatic(cfg.OAuth.APIKey)
	}
	return auth.NewClientCredentials(auth.ClientCredentialsConfig{
		TokenURL:     cfg.OAuth.TokenURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		Scope:        cfg.OAuth.Scope,
		ExpiryMargin: cfg.OAuth.ExpiryMargin,
	}, log)
}

// UpstreamConfig maps the upstream section to client settings.
func UpstreamConfig(cfg *config.Config) upstream.Config {
	u := cfg.Upstream
	return upstream.Config{
		BaseURL:           u.BaseURL,
		Timeout:           u.Timeout,
		PageSize:          u.PageSize,
		MaxPages:          u.MaxPages,
		MaxBytes:          u.MaxBytes,
		RequestsPerSecond: u.RequestsPerSecond,
		Burst:             u.Burst,
		TooLargeMarker:    u.TooLargeMarker,
	}
}

// RetryConfig maps the retry section to a backoff policy.
func RetryConfig(cfg *config.Config) retry.Config {
	r := cfg.Retry
	return retry.Config{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// RunnerOptions maps the planner, batch and run sections for one resource.
func RunnerOptions(cfg *config.Config, resource string, recordCap int) ingest.Options {
	p := cfg.Planner
	return ingest.Options{
		Resource: resource,
		Planner: window.Config{
			InitialSpan:  p.InitialSpan,
			FloorSpan:    p.FloorSpan,
			MaxHalvings:  p.MaxHalvings,
			Grow:         p.GrowEnabled(),
			GrowCooldown: p.GrowCooldown,
		},
		GrowRatio:         p.GrowRatio,
		RecordCap:         recordCap,
		ByteCap:           cfg.Upstream.MaxBytes,
		FlushThreshold:    cfg.Batch.FlushThreshold,
		OnFatal:           ingest.Policy(cfg.Run.OnFatal),
		UnmappedWarnRatio: cfg.Run.UnmappedWarnRatio,
		FinalizeTimeout:   cfg.Run.FinalizeTimeout,
		ProbeCapacity:     p.ProbeCapacity,
		CapacityPerHour:   p.CapacityPerHour,
	}
}

type runnerParts struct {
	client    *upstream.Client
	tokens    auth.Provider
	sink      batch.Sink
	telemetry *telemetry.Provider
	log       logger.Logger
}

func buildRunner(cfg *config.Config, res config.ResourceConfig, parts runnerParts, store checkpoint.Store) (*ingest.Runner, error) {
	policy, policyErr := normalize.ParsePolicy(res.Unmapped)
	if policyErr != nil {
		return nil, policyErr
	}
	entries := make([]normalize.Entry, 0, len(res.Mapping))
	for _, m := range res.Mapping {
		entries = append(entries, normalize.Entry{Source: m.Source, Canonical: m.Canonical})
	}
	table, tableErr := normalize.NewTable(entries, policy)
	if tableErr != nil {
		return nil, fmt.Errorf("mapping table: %w", tableErr)
	}

	endpoint := parts.client.Endpoint(upstream.Resource{
		Name:      res.Name,
		Endpoint:  res.Endpoint,
		TimeField: res.TimeField,
		SortField: res.SortField,
	})
	log := parts.log.With(logger.String("resource", res.Name))
	controller := fetch.NewController(endpoint, parts.tokens, RetryConfig(cfg), log)

	return ingest.NewRunner(ingest.Deps{
		Fetcher:   controller,
		Counter:   endpoint,
		Tokens:    parts.tokens,
		Table:     table,
		Sink:      parts.sink,
		Store:     store,
		Telemetry: parts.telemetry,
		Logger:    parts.log,
	}, RunnerOptions(cfg, res.Name, parts.client.Config().ItemCap())), nil
}

// Package config loads the api-ingestor configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"time"
)

// Default service configuration values.
const (
	defaultServiceName    = "api-ingestor"
	defaultServiceVersion = "1.0.0"
	defaultServicePort    = 8095
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// Default upstream and run tuning values.
const (
	defaultUpstreamTimeout = 60 * time.Second
	defaultPageSize        = 20
	defaultMaxPages        = 100
	defaultRequestsPerSec  = 2.0
	defaultTooLargeMarker  = "Response Entity Too Large"
	defaultExpiryMargin    = 60 * time.Second
	defaultInitialSpan     = 24 * time.Hour
	defaultFloorSpan       = time.Hour
	defaultMaxHalvings     = 5
	defaultGrowRatio       = 0.5
	defaultMaxAttempts     = 5
	defaultInitialDelay    = 2 * time.Second
	defaultMaxDelay        = time.Minute
	defaultMultiplier      = 2.0
	defaultJitter          = 0.2
	defaultFlushThreshold  = 100_000
	defaultLookback        = 30 * 24 * time.Hour
	defaultUnmappedWarn    = 0.2
	defaultFinalizeTimeout = 2 * time.Minute
	defaultTimeField       = "last_modified"
	defaultSinkIndex       = "api_records"
	defaultSinkTable       = "ingested_records"
	defaultRedisAddress    = "localhost:6379"
	defaultESURL           = "http://localhost:9200"
	defaultDBHost          = "localhost"
	defaultDBPort          = 5432
	defaultDBUser          = "postgres"
	defaultDBName          = "api_ingestor"
	defaultDBSSLMode       = "disable"
	defaultDBMaxConns      = 10
	defaultDBMaxIdleConns  = 2
	defaultDBConnLifetime  = time.Hour
)

// Fatal-window policies.
const (
	OnFatalAbort = "abort"
	OnFatalSkip  = "skip"
)

// Sink types.
const (
	SinkElasticsearch = "elasticsearch"
	SinkPostgres      = "postgres"
	SinkJSONLines     = "jsonl"
)

// Checkpoint backends.
const (
	CheckpointRedis    = "redis"
	CheckpointPostgres = "postgres"
	CheckpointMemory   = "memory"
)

// Config holds the application configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Logging       LoggingConfig       `yaml:"logging"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	OAuth         OAuthConfig         `yaml:"oauth"`
	Planner       PlannerConfig       `yaml:"planner"`
	Retry         RetryConfig         `yaml:"retry"`
	Batch         BatchConfig         `yaml:"batch"`
	Run           RunConfig           `yaml:"run"`
	Sink          SinkConfig          `yaml:"sink"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Redis         RedisConfig         `yaml:"redis"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Resources     []ResourceConfig    `yaml:"resources"`
}

// ServiceConfig holds service identity and runtime settings.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Port    int    `env:"API_INGESTOR_PORT" yaml:"port"`
	Debug   bool   `env:"APP_DEBUG"         yaml:"debug"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// UpstreamConfig describes the upstream search API and its caps.
type UpstreamConfig struct {
	BaseURL           string        `env:"UPSTREAM_BASE_URL" yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	PageSize          int           `yaml:"page_size"`
	MaxPages          int           `yaml:"max_pages"`
	MaxBytes          int64         `yaml:"max_bytes"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	TooLargeMarker    string        `yaml:"too_large_marker"`
}

// OAuthConfig holds client-credentials settings. When TokenURL is empty the static
// APIKey is used as the bearer token.
type OAuthConfig struct {
	TokenURL     string        `env:"OAUTH_TOKEN_URL"     yaml:"token_url"`
	ClientID     string        `env:"OAUTH_CLIENT_ID"     yaml:"client_id"`
	ClientSecret string        `env:"OAUTH_CLIENT_SECRET" yaml:"client_secret"`
	Scope        string        `yaml:"scope"`
	ExpiryMargin time.Duration `yaml:"expiry_margin"`
	APIKey       string        `env:"UPSTREAM_API_KEY" yaml:"api_key"`
}

// PlannerConfig tunes the adaptive window planner.
type PlannerConfig struct {
	InitialSpan     time.Duration `yaml:"initial_span"`
	FloorSpan       time.Duration `yaml:"floor_span"`
	MaxHalvings     int           `yaml:"max_halvings"`
	Grow            *bool         `yaml:"grow"`
	GrowRatio       float64       `yaml:"grow_ratio"`
	GrowCooldown    int           `yaml:"grow_cooldown"`
	ProbeCapacity   bool          `yaml:"probe_capacity"`
	CapacityPerHour float64       `yaml:"capacity_per_hour"`
}

// GrowEnabled reports whether speculative growth is on. Defaults to true.
func (p PlannerConfig) GrowEnabled() bool {
	return p.Grow == nil || *p.Grow
}

// RetryConfig tunes transient-fault backoff.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// BatchConfig tunes the batch accumulator.
type BatchConfig struct {
	FlushThreshold int `env:"BATCH_FLUSH_THRESHOLD" yaml:"flush_threshold"`
}

// RunConfig holds run-level policy.
type RunConfig struct {
	OnFatal           string        `yaml:"on_fatal"`
	Lookback          time.Duration `yaml:"lookback"`
	UnmappedWarnRatio float64       `yaml:"unmapped_warn_ratio"`
	FinalizeTimeout   time.Duration `yaml:"finalize_timeout"`
}

// SinkConfig selects where normalized batches go.
type SinkConfig struct {
	Type  string `env:"SINK_TYPE" yaml:"type"`
	Index string `yaml:"index"`
	Table string `yaml:"table"`
	Path  string `yaml:"path"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend string `env:"CHECKPOINT_BACKEND" yaml:"backend"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
}

// ElasticsearchConfig holds Elasticsearch connection settings.
type ElasticsearchConfig struct {
	URL      string `env:"ELASTICSEARCH_URL"      yaml:"url"`
	Username string `env:"ELASTICSEARCH_USERNAME" yaml:"username"`
	Password string `env:"ELASTICSEARCH_PASSWORD" yaml:"password"`
	APIKey   string `env:"ELASTICSEARCH_API_KEY"  yaml:"api_key"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host                  string        `env:"POSTGRES_INGESTOR_HOST"     yaml:"host"`
	Port                  int           `env:"POSTGRES_INGESTOR_PORT"     yaml:"port"`
	User                  string        `env:"POSTGRES_INGESTOR_USER"     yaml:"user"`
	Password              string        `env:"POSTGRES_INGESTOR_PASSWORD" yaml:"password"`
	Database              string        `env:"POSTGRES_INGESTOR_DB"       yaml:"database"`
	SSLMode               string        `yaml:"sslmode"`
	MaxConnections        int           `yaml:"max_connections"`
	MaxIdleConns          int           `yaml:"max_idle_connections"`
	ConnectionMaxLifetime time.Duration `yaml:"connection_max_lifetime"`
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// AuthConfig protects the HTTP API.
type AuthConfig struct {
	JWTSecret string `env:"AUTH_JWT_SECRET" yaml:"jwt_secret"`
}

// MappingEntry renames one upstream field to its canonical name.
type MappingEntry struct {
	Source    string `yaml:"source"`
	Canonical string `yaml:"canonical"`
}

// ResourceConfig describes one upstream resource type to ingest.
type ResourceConfig struct {
	Name      string         `yaml:"name"`
	Endpoint  string         `yaml:"endpoint"`
	TimeField string         `yaml:"time_field"`
	SortField string         `yaml:"sort_field"`
	IDField   string         `yaml:"id_field"`
	Schedule  string         `yaml:"schedule"`
	Unmapped  string         `yaml:"unmapped"`
	Mapping   []MappingEntry `yaml:"mapping"`
}

// Resource returns the named resource configuration.
func (c *Config) Resource(name string) (ResourceConfig, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}

// Load loads configuration from a YAML file, applies defaults, then env overrides.
func Load(path string) (*Config, error) {
	cfg, loadErr := LoadFileWithDefaults(path, setDefaults)
	if loadErr != nil {
		return nil, fmt.Errorf("load config: %w", loadErr)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := validatePort("service.port", c.Service.Port); err != nil {
		return err
	}
	if err := required("upstream.base_url", c.Upstream.BaseURL); err != nil {
		return err
	}
	if c.OAuth.TokenURL == "" && c.OAuth.APIKey == "" {
		return &ValidationError{Field: "oauth", Message: "token_url or api_key is required"}
	}
	if c.OAuth.TokenURL != "" {
		if err := required("oauth.client_id", c.OAuth.ClientID); err != nil {
			return err
		}
	}
	if c.Planner.FloorSpan > c.Planner.InitialSpan {
		return &ValidationError{Field: "planner.floor_span", Message: "must not exceed planner.initial_span"}
	}
	if err := positive("batch.flush_threshold", c.Batch.FlushThreshold); err != nil {
		return err
	}
	if err := oneOf("run.on_fatal", c.Run.OnFatal, OnFatalAbort, OnFatalSkip); err != nil {
		return err
	}
	if err := oneOf("sink.type", c.Sink.Type, SinkElasticsearch, SinkPostgres, SinkJSONLines); err != nil {
		return err
	}
	if err := oneOf("checkpoint.backend", c.Checkpoint.Backend,
		CheckpointRedis, CheckpointPostgres, CheckpointMemory); err != nil {
		return err
	}
	if len(c.Resources) == 0 {
		return &ValidationError{Field: "resources", Message: "at least one resource is required"}
	}

	return c.validateResources()
}

func (c *Config) validateResources() error {
	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		field := fmt.Sprintf("resources[%d]", i)
		if err := required(field+".name", r.Name); err != nil {
			return err
		}
		if seen[r.Name] {
			return &ValidationError{Field: field + ".name", Message: "duplicate resource " + r.Name}
		}
		seen[r.Name] = true
		if err := required(field+".endpoint", r.Endpoint); err != nil {
			return err
		}
		if r.Unmapped != "" {
			if err := oneOf(field+".unmapped", r.Unmapped, "drop", "snake_case"); err != nil {
				return err
			}
		}
	}
	return nil
}

// setDefaults applies default values to all configuration sections.
func setDefaults(cfg *Config) {
	setServiceDefaults(&cfg.Service)
	setLoggingDefaults(&cfg.Logging)
	setUpstreamDefaults(&cfg.Upstream)
	setPlannerDefaults(&cfg.Planner)
	setRetryDefaults(&cfg.Retry)
	setRunDefaults(cfg)
	setStoreDefaults(cfg)
	setDatabaseDefaults(&cfg.Database)

	if cfg.OAuth.ExpiryMargin == 0 {
		cfg.OAuth.ExpiryMargin = defaultExpiryMargin
	}
	if cfg.Batch.FlushThreshold == 0 {
		cfg.Batch.FlushThreshold = defaultFlushThreshold
	}

	for i := range cfg.Resources {
		if cfg.Resources[i].TimeField == "" {
			cfg.Resources[i].TimeField = defaultTimeField
		}
		if cfg.Resources[i].Unmapped == "" {
			cfg.Resources[i].Unmapped = "drop"
		}
	}
}

func setServiceDefaults(s *ServiceConfig) {
	if s.Name == "" {
		s.Name = defaultServiceName
	}
	if s.Version == "" {
		s.Version = defaultServiceVersion
	}
	if s.Port == 0 {
		s.Port = defaultServicePort
	}
}

func setLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if l.Format == "" {
		l.Format = defaultLogFormat
	}
}

func setUpstreamDefaults(u *UpstreamConfig) {
	if u.Timeout == 0 {
		u.Timeout = defaultUpstreamTimeout
	}
	if u.PageSize == 0 {
		u.PageSize = defaultPageSize
	}
	if u.MaxPages == 0 {
		u.MaxPages = defaultMaxPages
	}
	if u.RequestsPerSecond == 0 {
		u.RequestsPerSecond = defaultRequestsPerSec
	}
	if u.Burst == 0 {
		u.Burst = 1
	}
	if u.TooLargeMarker == "" {
		u.TooLargeMarker = defaultTooLargeMarker
	}
}

func setPlannerDefaults(p *PlannerConfig) {
	if p.InitialSpan == 0 {
		p.InitialSpan = defaultInitialSpan
	}
	if p.FloorSpan == 0 {
		p.FloorSpan = defaultFloorSpan
	}
	if p.MaxHalvings == 0 {
		p.MaxHalvings = defaultMaxHalvings
	}
	if p.GrowRatio == 0 {
		p.GrowRatio = defaultGrowRatio
	}
}

func setRetryDefaults(r *RetryConfig) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = defaultMaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = defaultInitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = defaultMaxDelay
	}
	if r.Multiplier == 0 {
		r.Multiplier = defaultMultiplier
	}
	if r.Jitter == 0 {
		r.Jitter = defaultJitter
	}
}

func setRunDefaults(cfg *Config) {
	if cfg.Run.OnFatal == "" {
		cfg.Run.OnFatal = OnFatalAbort
	}
	if cfg.Run.Lookback == 0 {
		cfg.Run.Lookback = defaultLookback
	}
	if cfg.Run.UnmappedWarnRatio == 0 {
		cfg.Run.UnmappedWarnRatio = defaultUnmappedWarn
	}
	if cfg.Run.FinalizeTimeout == 0 {
		cfg.Run.FinalizeTimeout = defaultFinalizeTimeout
	}
}

func setStoreDefaults(cfg *Config) {
	if cfg.Sink.Type == "" {
		cfg.Sink.Type = SinkElasticsearch
	}
	if cfg.Sink.Index == "" {
		cfg.Sink.Index = defaultSinkIndex
	}
	if cfg.Sink.Table == "" {
		cfg.Sink.Table = defaultSinkTable
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = CheckpointRedis
	}
	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}
	if cfg.Elasticsearch.URL == "" {
		cfg.Elasticsearch.URL = defaultESURL
	}
}

func setDatabaseDefaults(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = defaultDBHost
	}
	if d.Port == 0 {
		d.Port = defaultDBPort
	}
	if d.User == "" {
		d.User = defaultDBUser
	}
	if d.Database == "" {
		d.Database = defaultDBName
	}
	if d.SSLMode == "" {
		d.SSLMode = defaultDBSSLMode
	}
	if d.MaxConnections == 0 {
		d.MaxConnections = defaultDBMaxConns
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = defaultDBMaxIdleConns
	}
	if d.ConnectionMaxLifetime == 0 {
		d.ConnectionMaxLifetime = defaultDBConnLifetime
	}
}

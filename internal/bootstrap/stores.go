package bootstrap

import (
	"context"
	"errors"
	"fmt"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/api"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/batch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/checkpoint"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/database"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/elasticsearch"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/sink"
)

// Connections holds the backing-store clients the configuration asks for. Clients
// that are not needed stay nil.
type Connections struct {
	Redis         *goredis.Client
	Elasticsearch *es.Client
	DB            *sqlx.DB

	closers []func() error
}

// SetupConnections opens only the stores selected by the sink and checkpoint settings.
func SetupConnections(ctx context.Context, cfg *config.Config, log logger.Logger) (*Connections, error) {
	conns := &Connections{}

	if cfg.Checkpoint.Backend == config.CheckpointRedis {
		client, err := checkpoint.DialRedis(ctx, checkpoint.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		conns.Redis = client
		conns.closers = append(conns.closers, client.Close)
		log.Info("Redis connection established", logger.String("address", cfg.Redis.Address))
	}

	if cfg.Sink.Type == config.SinkElasticsearch {
		client, err := elasticsearch.NewClient(ctx, elasticsearch.Config{
			URL:      cfg.Elasticsearch.URL,
			Username: cfg.Elasticsearch.Username,
			Password: cfg.Elasticsearch.Password,
			APIKey:   cfg.Elasticsearch.APIKey,
		}, log)
		if err != nil {
			_ = conns.Close()
			return nil, fmt.Errorf("elasticsearch: %w", err)
		}
		conns.Elasticsearch = client
	}

	if cfg.Sink.Type == config.SinkPostgres || cfg.Checkpoint.Backend == config.CheckpointPostgres {
		if err := conns.setupDatabase(ctx, cfg); err != nil {
			_ = conns.Close()
			return nil, fmt.Errorf("database: %w", err)
		}
		log.Info("Database connection established", logger.String("host", cfg.Database.Host))
	}

	return conns, nil
}

func (c *Connections) setupDatabase(ctx context.Context, cfg *config.Config) error {
	db, err := database.NewPostgresConnection(ctx, database.Config{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnectionMaxLifetime,
	})
	if err != nil {
		return err
	}
	c.DB = db
	c.closers = append(c.closers, func() error { return database.Close(db) })

	if cfg.Sink.Type == config.SinkPostgres {
		if tableErr := database.EnsureRecordsTable(ctx, db, cfg.Sink.Table); tableErr != nil {
			return tableErr
		}
	}
	if cfg.Checkpoint.Backend == config.CheckpointPostgres {
		if tableErr := database.EnsureCheckpointTable(ctx, db); tableErr != nil {
			return tableErr
		}
	}
	return nil
}

// Close releases every open client.
func (c *Connections) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Checks returns the health pings for the open clients.
func (c *Connections) Checks() map[string]api.PingFunc {
	checks := make(map[string]api.PingFunc)
	if c.Redis != nil {
		client := c.Redis
		checks["redis"] = func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}
	}
	if c.DB != nil {
		db := c.DB
		checks["database"] = db.PingContext
	}
	if c.Elasticsearch != nil {
		client := c.Elasticsearch
		checks["elasticsearch"] = func(ctx context.Context) error {
			res, err := client.Ping(client.Ping.WithContext(ctx))
			if err != nil {
				return err
			}
			defer func() { _ = res.Body.Close() }()
			if res.IsError() {
				return fmt.Errorf("ping: %s", res.Status())
			}
			return nil
		}
	}
	return checks
}

// CheckpointStore returns the configured checkpoint backend.
func (c *Connections) CheckpointStore(cfg *config.Config) checkpoint.Store {
	switch cfg.Checkpoint.Backend {
	case config.CheckpointRedis:
		return checkpoint.NewRedis(c.Redis, checkpoint.DefaultKeyPrefix)
	case config.CheckpointPostgres:
		return checkpoint.NewPostgres(c.DB)
	default:
		return checkpoint.NewMemory()
	}
}

// SinkFactory builds the sink for one resource.
type SinkFactory func(res config.ResourceConfig) batch.Sink

// Sinks returns the sink factory for the configured sink type. A JSON Lines file is
// opened once and shared by every resource.
func (c *Connections) Sinks(cfg *config.Config, log logger.Logger) (SinkFactory, error) {
	switch cfg.Sink.Type {
	case config.SinkElasticsearch:
		return func(res config.ResourceConfig) batch.Sink {
			index := cfg.Sink.Index + "_" + res.Name
			return sink.NewElasticsearch(c.Elasticsearch, index, idField(res), log)
		}, nil
	case config.SinkPostgres:
		return func(res config.ResourceConfig) batch.Sink {
			return sink.NewPostgres(c.DB, cfg.Sink.Table, res.Name, idField(res))
		}, nil
	default:
		out, closeFn, err := sink.OpenJSONLines(cfg.Sink.Path)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, closeFn)
		return func(config.ResourceConfig) batch.Sink { return out }, nil
	}
}

func idField(res config.ResourceConfig) string {
	if res.IDField != "" {
		return res.IDField
	}
	return "id"
}

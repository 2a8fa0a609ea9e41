// Package bootstrap wires configuration, stores and runners into a running ingestor.
package bootstrap

import (
	"fmt"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

// LoadConfig loads and validates the configuration. An empty path falls back to
// CONFIG_PATH and then config.yml.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath("config.yml")
	}

	cfg, loadErr := config.Load(path)
	if loadErr != nil {
		return nil, fmt.Errorf("load config: %w", loadErr)
	}

	return cfg, nil
}

// CreateLogger creates the structured logger for the service.
func CreateLogger(cfg *config.Config) (logger.Logger, error) {
	log, logErr := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Service.Debug,
	})
	if logErr != nil {
		return nil, fmt.Errorf("create logger: %w", logErr)
	}

	return log.With(logger.String("service", cfg.Service.Name)), nil
}

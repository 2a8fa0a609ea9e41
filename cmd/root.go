// Package cmd implements the api-ingestor command-line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/config"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// Debug enables debug logging for all commands
	Debug bool

	rootCmd = &cobra.Command{
		Use:   "api-ingestor",
		Short: "Adaptive bulk ingestion from rate-limited search APIs",
		Long: `api-ingestor pulls every record of a time range from an upstream search API,
shrinking and growing the query window to stay under the API's response caps,
and writes normalized batches to Elasticsearch, PostgreSQL or JSON Lines.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $CONFIG_PATH or ./config.yml)")
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "api-ingestor version %s\n", Version)
		},
	})

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
}

// loadConfig loads the configuration and applies the --debug flag.
func loadConfig() (*config.Config, error) {
	cfg, err := bootstrap.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if Debug {
		cfg.Service.Debug = true
		cfg.Logging.Level = "debug"
	}
	if Version != "dev" {
		cfg.Service.Version = Version
	}
	return cfg, nil
}

// setup loads the configuration and wires the application.
func setup(ctx context.Context) (*bootstrap.App, error) {
	cfg, cfgErr := loadConfig()
	if cfgErr != nil {
		return nil, fmt.Errorf("config: %w", cfgErr)
	}

	log, logErr := bootstrap.CreateLogger(cfg)
	if logErr != nil {
		return nil, fmt.Errorf("logger: %w", logErr)
	}

	app, appErr := bootstrap.NewApp(ctx, cfg, log, nil)
	if appErr != nil {
		_ = log.Sync()
		return nil, appErr
	}

	log.Info("Ingestor ready",
		logger.String("version", cfg.Service.Version),
		logger.Strings("resources", app.Service.Resources()),
		logger.String("sink", cfg.Sink.Type),
		logger.String("checkpoint", cfg.Checkpoint.Backend),
	)
	return app, nil
}

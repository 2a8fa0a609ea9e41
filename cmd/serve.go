package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/api"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run scheduled ingestions",
		Long: `Serve starts the HTTP API (health, metrics and run triggers) and the cron
scheduler for every resource with a schedule. SIGINT or SIGTERM cancels running
ingestions, which flush and checkpoint before the process exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, setupErr := setup(ctx)
			if setupErr != nil {
				return setupErr
			}
			defer app.Close()

			return serve(ctx, app)
		},
	}
}

func serve(ctx context.Context, app *bootstrap.App) error {
	cfg := app.Config
	log := app.Log

	sched := scheduler.New(app.Service, log)
	for _, res := range cfg.Resources {
		if res.Schedule == "" {
			continue
		}
		if err := sched.Add(res.Name, res.Schedule); err != nil {
			return err
		}
	}

	server := api.NewServer(ctx, api.Config{
		ServiceName:     cfg.Service.Name,
		ServiceVersion:  cfg.Service.Version,
		Port:            cfg.Service.Port,
		Debug:           cfg.Service.Debug,
		JWTSecret:       cfg.Auth.JWTSecret,
		ShutdownTimeout: shutdownTimeout,
		Checks:          app.Connections.Checks(),
		Metrics:         app.Telemetry.Handler(),
	}, app.Service, log)

	sched.Start()
	errCh := server.StartAsync()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err, ok := <-errCh:
		if ok && err != nil {
			serveErr = fmt.Errorf("server: %w", err)
		}
	}

	sched.Stop()
	if err := server.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.Error("Server shutdown failed", logger.Error(err))
	}
	app.Service.Wait()
	log.Info("Ingestor stopped")
	return serveErr
}

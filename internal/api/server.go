// Package api serves health, metrics and run control over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// RunService is the run control surface the API exposes. *ingest.Service implements it.
type RunService interface {
	Resources() []string
	Has(resource string) bool
	Start(ctx context.Context, req ingest.Request) (string, error)
	Running(resource string) (string, bool)
	Reports(resource string) []*ingest.Report
	Latest() []*ingest.Report
}

// Config holds server settings.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Port            int
	Debug           bool
	JWTSecret       string
	ShutdownTimeout time.Duration
	// Checks are dependency pings reported by /health.
	Checks map[string]PingFunc
	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler
}

// Server is the HTTP server with lifecycle management.
type Server struct {
	cfg     Config
	runs    RunService
	log     logger.Logger
	router  *gin.Engine
	server  *http.Server
	started time.Time

	// baseCtx outlives requests; triggered runs stop when it is cancelled
	baseCtx context.Context
}

// NewServer builds the router. Runs triggered over HTTP are bound to baseCtx.
func NewServer(baseCtx context.Context, cfg Config, runs RunService, log logger.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		runs:    runs,
		log:     log,
		started: time.Now(),
		baseCtx: baseCtx,
	}

	router := gin.New()
	router.Use(recoveryMiddleware(log))
	router.Use(requestIDMiddleware(log))
	router.Use(loggerMiddleware(log))
	s.setupRoutes(router)
	s.router = router

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.health)
	router.HEAD("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	if s.cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.cfg.Metrics))
	}

	v1 := router.Group("/api/v1")
	if s.cfg.JWTSecret != "" {
		v1.Use(jwtMiddleware(s.cfg.JWTSecret))
	}
	v1.GET("/runs", s.listRuns)
	v1.GET("/runs/:resource", s.resourceRuns)
	v1.POST("/runs/:resource", s.triggerRun)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server",
		logger.String("address", s.server.Addr),
		logger.String("service", s.cfg.ServiceName),
		logger.String("version", s.cfg.ServiceVersion),
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartAsync serves in a goroutine. The channel receives a serve error, if any.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server, waiting at most the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down HTTP server", logger.Duration("timeout", s.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

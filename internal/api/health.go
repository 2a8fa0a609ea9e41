package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthStatus is the status of the service or one of its dependencies.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const healthCheckTimeout = 3 * time.Second

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  HealthStatus           `json:"status"`
	Service string                 `json:"service"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Running map[string]string      `json:"running,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

func runCheck(ctx context.Context, ping PingFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := ping(ctx)
	result := CheckResult{Status: HealthStatusHealthy, Latency: time.Since(start).Round(time.Millisecond).String()}
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Message = err.Error()
	}
	return result
}

func (s *Server) health(c *gin.Context) {
	resp := HealthResponse{
		Status:  HealthStatusHealthy,
		Service: s.cfg.ServiceName,
		Version: s.cfg.ServiceVersion,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}

	for _, name := range s.runs.Resources() {
		if runID, busy := s.runs.Running(name); busy {
			if resp.Running == nil {
				resp.Running = make(map[string]string)
			}
			resp.Running[name] = runID
		}
	}

	if len(s.cfg.Checks) > 0 {
		resp.Checks = make(map[string]CheckResult, len(s.cfg.Checks))
		for name, ping := range s.cfg.Checks {
			result := runCheck(c.Request.Context(), ping)
			resp.Checks[name] = result
			if result.Status == HealthStatusUnhealthy {
				resp.Status = HealthStatusUnhealthy
			}
		}
	}

	status := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

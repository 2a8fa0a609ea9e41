package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/ingest"
	"github.com/jonesrussell/north-cloud/api-ingestor/internal/logger"
)

// triggerRequest is the optional body of POST /api/v1/runs/:resource.
type triggerRequest struct {
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
	Resume bool       `json:"resume"`
}

func (s *Server) listRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"resources": s.runs.Resources(),
		"runs":      s.runs.Latest(),
	})
}

func (s *Server) resourceRuns(c *gin.Context) {
	resource := c.Param("resource")
	if !s.runs.Has(resource) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
		return
	}

	resp := gin.H{
		"resource": resource,
		"runs":     s.runs.Reports(resource),
	}
	if runID, busy := s.runs.Running(resource); busy {
		resp["running"] = runID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) triggerRun(c *gin.Context) {
	resource := c.Param("resource")

	var body triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
	}

	req := ingest.Request{Resource: resource, Resume: body.Resume}
	if body.From != nil {
		req.From = body.From.UTC()
	}
	if body.To != nil {
		req.To = body.To.UTC()
	}

	runID, err := s.runs.Start(s.baseCtx, req)
	switch {
	case err == nil:
		logger.FromContext(c.Request.Context(), s.log).Info("Run triggered",
			logger.String("resource", resource),
			logger.String("run_id", runID),
		)
		c.JSON(http.StatusAccepted, gin.H{"resource": resource, "run_id": runID})
	case errors.Is(err, ingest.ErrUnknownResource):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
	case errors.Is(err, ingest.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ingest.ErrNoCheckpoint), errors.Is(err, ingest.ErrInvalidRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
	}
}

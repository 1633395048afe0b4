// Package api exposes the compression pipeline as a small job server:
// jobs are submitted over HTTP, run one at a time, and polled by id.
package api

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/winnow/internal/logger"
)

// ServerConfig tunes the job server. SubmitRate/SubmitBurst bound how
// fast new jobs may be queued.
type ServerConfig struct {
	SubmitRate  rate.Limit
	SubmitBurst int
}

type Server struct {
	store   *JobStore
	run     RunFunc
	limiter *rate.Limiter
	log     logger.Logger
}

func NewServer(store *JobStore, run RunFunc, cfg ServerConfig, log logger.Logger) *Server {
	if store == nil {
		store = NewJobStore()
	}
	if cfg.SubmitRate == 0 {
		cfg.SubmitRate = rate.Inf
		cfg.SubmitBurst = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		store:   store,
		run:     run,
		limiter: rate.NewLimiter(cfg.SubmitRate, cfg.SubmitBurst),
		log:     log,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/compress", s.handleSubmit)
	e.GET("/v1/jobs", s.handleListJobs)
	e.GET("/v1/jobs/:id", s.handleGetJob)
}

func (s *Server) handleSubmit(c *echo.Context) error {
	if !s.limiter.Allow() {
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "job submissions are rate limited")
	}
	var req CompressRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
	if req.Model == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "model is required")
	}
	if req.Recipe == "" && req.RecipePath == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "a recipe or recipe_path is required")
	}

	job := s.store.Create(req)
	s.log.Info("job queued", "id", job.ID, "model", req.Model)
	go s.execute(job.ID, req)
	return c.JSON(http.StatusAccepted, job)
}

// execute owns the job's lifecycle off the request goroutine; the runner
// serializes actual compression work.
func (s *Server) execute(id string, req CompressRequest) {
	s.store.SetRunning(id)
	rep, err := s.run(context.Background(), req)
	s.store.SetResult(id, rep, err)
	if err != nil {
		s.log.Error("job failed", "id", id, "error", err)
		return
	}
	s.log.Info("job finished", "id", id)
}

func (s *Server) handleGetJob(c *echo.Context) error {
	job, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeError(c, http.StatusNotFound, "not_found_error", "no such job")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleListJobs(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"jobs": s.store.List()})
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]string{"type": errType, "message": msg},
	})
}

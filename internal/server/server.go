// Package server exposes the REST polling API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dusk-indust/testsmith/internal/artifact"
	"github.com/dusk-indust/testsmith/internal/orchestrator"
	"github.com/dusk-indust/testsmith/internal/task"
)

// Service is the orchestration surface the handlers call.
type Service interface {
	Submit(ctx context.Context, req orchestrator.Request) (string, error)
	Status(id string) (*task.Task, error)
	Results(id string) (*orchestrator.Result, error)
	EstimatedSeconds() int
}

// Packager builds downloadable archives for finished tasks.
type Packager interface {
	Package(id string, kind artifact.Kind) ([]byte, error)
}

// Server is the HTTP front end.
type Server struct {
	echo     *echo.Echo
	logger   *zap.Logger
	service  Service
	packager Packager
	addr     string
	version  string
}

// New builds the server with routes and middleware registered. gatherer backs
// the metrics endpoint; pass the registry the orchestrator metrics were
// registered on. version is reported by the health endpoint.
func New(addr, version string, service Service, packager Packager, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		logger:   logger,
		service:  service,
		packager: packager,
		addr:     addr,
		version:  version,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))

	s.registerRoutes(gatherer)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	v1 := s.echo.Group("/api/v1")
	v1.POST("/analyze", s.handleAnalyze)
	v1.GET("/status/:id", s.handleStatus)
	v1.GET("/results/:id", s.handleResults)
	v1.GET("/download/:id/:kind", s.handleDownload)

	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// --- Handlers ---

// analyzeRequest is the submission payload.
type analyzeRequest struct {
	RepositoryURL string       `json:"repository_url"`
	APIKey        string       `json:"api_key"`
	Options       task.Options `json:"options"`
}

// analyzeResponse acknowledges an accepted submission.
type analyzeResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	EstimatedTime int    `json:"estimated_time"`
}

func (s *Server) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed request body"))
	}

	id, err := s.service.Submit(c.Request().Context(), orchestrator.Request{
		RepositoryURL: req.RepositoryURL,
		APIKey:        req.APIKey,
		Options:       req.Options,
	})
	if err != nil {
		return s.writeError(c, err)
	}

	return c.JSON(http.StatusAccepted, analyzeResponse{
		TaskID:        id,
		Status:        string(task.StatePending),
		Message:       "analysis accepted, poll the status endpoint for progress",
		EstimatedTime: s.service.EstimatedSeconds(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	t, err := s.service.Status(c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleResults(c echo.Context) error {
	r, err := s.service.Results(c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleDownload(c echo.Context) error {
	id := c.Param("id")
	kind := artifact.Kind(c.Param("kind"))

	data, err := s.packager.Package(id, kind)
	if err != nil {
		return s.writeError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="`+artifact.ArchiveName(id, kind)+`"`)
	return c.Blob(http.StatusOK, "application/zip", data)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   "testsmith",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeError maps domain errors onto the polling contract's status codes.
func (s *Server) writeError(c echo.Context, err error) error {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, errorBody(verr.Error()))
	case errors.Is(err, artifact.ErrUnknownKind):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, task.ErrNotFound), errors.Is(err, orchestrator.ErrNoResult):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, orchestrator.ErrNotReady):
		return c.JSON(http.StatusConflict, errorBody(err.Error()))
	default:
		s.logger.Error("request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

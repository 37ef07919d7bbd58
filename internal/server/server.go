package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/receiptwise/pipeline/constants"
	"github.com/receiptwise/pipeline/internal/common"
	"github.com/receiptwise/pipeline/internal/export"
	"github.com/receiptwise/pipeline/internal/metrics"
	"github.com/receiptwise/pipeline/internal/pipeline"
)

// Server is the thin HTTP surface over the pipeline: upload acceptance, job
// status, queue depths, metrics, and item export.
type Server struct {
	echo    *echo.Echo
	orch    *pipeline.Orchestrator
	export  *export.Service
	metrics *metrics.Metrics
	cfg     common.ServerConfig
	logger  *slog.Logger
}

func New(orch *pipeline.Orchestrator, exp *export.Service, m *metrics.Metrics, cfg common.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(propagateRequestID)
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadSize>>20)))

	s := &Server{echo: e, orch: orch, export: exp, metrics: m, cfg: cfg, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	api := s.echo.Group("/api")
	api.POST("/uploads", s.handleUpload)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.GET("/queues", s.handleQueueCounts)
	api.GET("/receipts/:owner/:hash/export", s.handleExport)
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.Addr)
	return s.echo.Start(s.cfg.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// propagateRequestID copies the request id assigned by the middleware into
// the request context, where the pipeline's log sites can reach it.
func propagateRequestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		rid := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := common.WithRequestID(c.Request().Context(), rid)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleUpload accepts a receipt photo, spools it to disk, and submits the
// ingest job.
func (s *Server) handleUpload(c echo.Context) error {
	userID := c.FormValue("user_id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	ext := constants.NormalizeExt(filepath.Ext(fh.Filename))
	if _, ok := constants.AllowedExtensions[ext]; !ok {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unsupported file type: %q", ext))
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	defer src.Close()

	dstPath := filepath.Join(s.cfg.UploadTmpDir, uuid.New().String()+"."+ext)
	dst, err := os.Create(dstPath)
	if err != nil {
		s.logger.Error("failed to spool upload", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "cannot store upload")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return echo.NewHTTPError(http.StatusInternalServerError, "cannot store upload")
	}
	dst.Close()

	jobID, err := s.orch.SubmitUpload(c.Request().Context(), userID, dstPath)
	if err != nil {
		os.Remove(dstPath)
		s.logger.Error("failed to submit upload", "user_id", userID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "cannot submit job")
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"state":  "queued",
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	st, err := s.orch.JobStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		s.logger.Error("status query failed", "job_id", c.Param("id"), "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "status query failed")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleQueueCounts(c echo.Context) error {
	counts, err := s.orch.QueueCounts(c.Request().Context())
	if err != nil {
		s.logger.Error("queue counts failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "queue counts failed")
	}
	return c.JSON(http.StatusOK, counts)
}

func (s *Server) handleExport(c echo.Context) error {
	// The artifact key embeds a slash, so it arrives as two path segments.
	artifactKey := c.Param("owner") + "/" + c.Param("hash")
	data, err := s.export.ItemsXLSX(c.Request().Context(), artifactKey)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "artifact not found")
		}
		s.logger.Error("export failed", "artifact_key", artifactKey, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="items.xlsx"`)
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

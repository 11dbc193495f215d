// Package http serves the correction-agent operations over a JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/logging"
	"github.com/fyrsmithlabs/sqlrecall/internal/sanitize"
	"github.com/fyrsmithlabs/sqlrecall/internal/service"
	"github.com/fyrsmithlabs/sqlrecall/internal/telemetry"
)

// Server provides HTTP endpoints for sqlrecall.
type Server struct {
	echo    *echo.Echo
	svc     *service.Service
	logger  *zap.Logger
	config  *Config
	version string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Option configures a Server.
type Option func(*options)

type options struct {
	meter metric.Meter
}

// WithTelemetry records request metrics through tel instead of the global
// meter provider.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.meter = tel.Meter(meterName) }
}

// NewServer creates a new HTTP server.
func NewServer(svc *service.Service, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	o := options{meter: otel.Meter(meterName)}
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(o.meter, logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Let the error handler write the status before it is logged.
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
	}
	s.registerRoutes()
	return s, nil
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET(routeHealth, s.handleHealth)
	s.echo.GET(routeMetrics, echo.WrapHandler(promhttp.Handler()))
	s.echo.POST(routeRetrieveExamples, s.handleRetrieveExamples)
	s.echo.POST(routeFindFixes, s.handleFindFixes)
	s.echo.POST(routeSaveFix, s.handleSaveFix)
	s.echo.POST(routePruneFixes, s.handlePruneFixes)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) handleRetrieveExamples(c echo.Context) error {
	var req RetrieveExamplesRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid retrieve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Intent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "intent field is required")
	}
	if req.N <= 0 {
		req.N = defaultExampleCount
	}

	examples, err := s.svc.RetrieveExamples(c.Request().Context(), req.Intent, req.N)
	if err != nil {
		return s.toHTTPError(err)
	}
	report(c, listOutcome(len(examples)), len(examples))
	return c.JSON(http.StatusOK, RetrieveExamplesResponse{Examples: examples})
}

func (s *Server) handleFindFixes(c echo.Context) error {
	var req FindFixesRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid find request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Intent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "intent field is required")
	}
	if req.Limit <= 0 {
		req.Limit = defaultFixLimit
	}

	var opts []curator.FindOption
	if len(req.Tables) > 0 {
		opts = append(opts, curator.WithTables(req.Tables...))
	}
	fixes, err := s.svc.FindSimilarConfirmedFixes(c.Request().Context(), req.DBID, req.Intent, req.Limit, opts...)
	if err != nil {
		return s.toHTTPError(err)
	}
	report(c, listOutcome(len(fixes)), len(fixes))
	return c.JSON(http.StatusOK, FindFixesResponse{Fixes: fixes})
}

func (s *Server) handleSaveFix(c echo.Context) error {
	var req service.SaveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid save request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.svc.SaveConfirmedFix(c.Request().Context(), req)
	if err != nil {
		return s.toHTTPError(err)
	}
	status := http.StatusCreated
	if res.Outcome == curator.OutcomeDuplicate {
		status = http.StatusOK
	}
	report(c, string(res.Outcome), res.Pruned)
	return c.JSON(status, res)
}

func (s *Server) handlePruneFixes(c echo.Context) error {
	removed, err := s.svc.PruneConfirmedFixes(c.Request().Context(), c.Param("db_id"))
	if err != nil {
		return s.toHTTPError(err)
	}
	outcome := outcomePruned
	if removed == 0 {
		outcome = outcomeUntouched
	}
	report(c, outcome, removed)
	return c.JSON(http.StatusOK, PruneResponse{Removed: removed})
}

// toHTTPError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) toHTTPError(err error) error {
	switch {
	case errors.Is(err, curator.ErrInvalidFix),
		errors.Is(err, sanitize.ErrInvalidDatabaseID),
		errors.Is(err, analyzer.ErrParseInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, embeddings.ErrCollectionUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "embedding backend unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

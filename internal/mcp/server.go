// Package mcp exposes the correction-agent operations as MCP tools over the
// stdio transport, using github.com/modelcontextprotocol/go-sdk/mcp.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/service"
)

// Server is an MCP server backed by a service.Service.
type Server struct {
	mcp     *mcp.Server
	svc     *service.Service
	metrics *Metrics
	value   *ValueMetrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "sqlrecall")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sqlrecall",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server with every tool registered.
func NewServer(cfg *Config, svc *service.Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if svc == nil {
		return nil, errors.New("service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		svc:     svc,
		metrics: NewMetrics(cfg.Logger),
		value:   newValueMetrics(otel.Meter(valueInstrumentationName), cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// addTool registers a typed tool and records its invocation metrics.
// Errors from run are reported to the client as tool errors.
func addTool[In, Out any](s *Server, tool *mcp.Tool, run func(context.Context, In) (Out, error)) {
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, tool.Name)
		out, err := run(ctx, in)
		s.metrics.DecrementActive(ctx, tool.Name)
		s.metrics.RecordInvocation(ctx, tool.Name, time.Since(start), err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", tool.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return nil, out, nil
	})
}

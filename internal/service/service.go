// Package service is the entry point a correction agent talks to. It ties
// example retrieval and the confirmed-fix curators together and decides
// which failures degrade to empty results and which are surfaced.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/exampleindex"
	"github.com/fyrsmithlabs/sqlrecall/internal/logging"
	"github.com/fyrsmithlabs/sqlrecall/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/sqlrecall/internal/service"

// Retriever selects few-shot examples for an intent.
type Retriever interface {
	Retrieve(ctx context.Context, intent string, n int) ([]exampleindex.Hit, error)
}

// Curators hands out the Curator for a database.
type Curators interface {
	Get(ctx context.Context, dbID string) (*curator.Curator, error)
}

// FewShotExample is an example returned to the agent.
type FewShotExample struct {
	ExampleID  string                 `json:"example_id"`
	Intent     string                 `json:"intent"`
	SQL        string                 `json:"sql"`
	DBID       string                 `json:"db_id"`
	Difficulty string                 `json:"difficulty,omitempty"`
	Metadata   analyzer.QueryMetadata `json:"metadata"`
	Similarity float64                `json:"similarity"`
}

// SaveRequest is a confirmed fix submitted for storage.
type SaveRequest struct {
	DBID string `json:"db_id"`
	curator.FixCandidate
}

// Service implements the agent-facing operations.
type Service struct {
	retriever Retriever
	curators  Curators
	logger    *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	requestCounter  metric.Int64Counter
	degradedCounter metric.Int64Counter
	saveCounter     metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithTelemetry takes the tracer and meter from tel instead of the otel
// globals.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tracer = tel.Tracer(instrumentationName)
		s.meter = tel.Meter(instrumentationName)
	}
}

// New creates a Service.
func New(retriever Retriever, curators Curators, logger *zap.Logger, opts ...Option) (*Service, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if curators == nil {
		return nil, errors.New("curators are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		retriever: retriever,
		curators:  curators,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.requestCounter, err = s.meter.Int64Counter(
		"sqlrecall.service.requests_total",
		metric.WithDescription("Total number of service requests by operation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create request counter", zap.Error(err))
	}

	s.degradedCounter, err = s.meter.Int64Counter(
		"sqlrecall.service.degraded_total",
		metric.WithDescription("Requests answered with empty results because a backend was unavailable"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		s.logger.Warn("failed to create degraded counter", zap.Error(err))
	}

	s.saveCounter, err = s.meter.Int64Counter(
		"sqlrecall.service.saves_total",
		metric.WithDescription("Total number of confirmed fix saves by outcome"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}
}

func (s *Service) count(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RetrieveExamples returns up to n diverse examples for intent. When the
// example backend is unavailable it logs a warning and returns no examples.
func (s *Service) RetrieveExamples(ctx context.Context, intent string, n int) ([]FewShotExample, error) {
	ctx = logging.WithOperation(ctx, "retrieve_examples")
	ctx, span := s.tracer.Start(ctx, "Service.RetrieveExamples")
	defer span.End()
	span.SetAttributes(attribute.Int("n", n))
	s.count(ctx, s.requestCounter, attribute.String("operation", "retrieve_examples"))

	hits, err := s.retriever.Retrieve(ctx, intent, n)
	if err != nil {
		if errors.Is(err, embeddings.ErrCollectionUnavailable) {
			s.degrade(ctx, span, "retrieve_examples", err)
			return []FewShotExample{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := make([]FewShotExample, len(hits))
	for i, h := range hits {
		out[i] = FewShotExample{
			ExampleID:  h.ID,
			Intent:     h.Intent,
			SQL:        h.SQL,
			DBID:       h.DBID,
			Difficulty: h.Difficulty,
			Metadata:   h.Metadata,
			Similarity: h.Similarity,
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// FindSimilarConfirmedFixes returns stored fixes for dbID similar to intent.
// An unavailable embedding backend yields no fixes rather than an error.
func (s *Service) FindSimilarConfirmedFixes(ctx context.Context, dbID, intent string, limit int, opts ...curator.FindOption) ([]curator.ScoredFix, error) {
	ctx = logging.WithOperation(logging.WithDatabase(ctx, dbID), "find_similar_confirmed_fixes")
	ctx, span := s.tracer.Start(ctx, "Service.FindSimilarConfirmedFixes")
	defer span.End()
	span.SetAttributes(attribute.String("db_id", dbID), attribute.Int("limit", limit))
	s.count(ctx, s.requestCounter, attribute.String("operation", "find_similar_confirmed_fixes"))

	c, err := s.curators.Get(ctx, dbID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	found, err := c.FindSimilar(ctx, intent, limit, opts...)
	if err != nil {
		if errors.Is(err, embeddings.ErrCollectionUnavailable) {
			s.degrade(ctx, span, "find_similar_confirmed_fixes", err)
			return []curator.ScoredFix{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(found)))
	span.SetStatus(codes.Ok, "success")
	return found, nil
}

// SaveConfirmedFix stores a confirmed fix unless a near-identical one exists.
// Every failure, including an unavailable backend, is returned.
func (s *Service) SaveConfirmedFix(ctx context.Context, req SaveRequest) (curator.SaveResult, error) {
	ctx = logging.WithOperation(logging.WithDatabase(ctx, req.DBID), "save_confirmed_fix")
	ctx, span := s.tracer.Start(ctx, "Service.SaveConfirmedFix")
	defer span.End()
	span.SetAttributes(attribute.String("db_id", req.DBID))
	s.count(ctx, s.requestCounter, attribute.String("operation", "save_confirmed_fix"))

	c, err := s.curators.Get(ctx, req.DBID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return curator.SaveResult{}, err
	}

	res, err := c.Save(ctx, req.FixCandidate)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return curator.SaveResult{}, fmt.Errorf("saving fix for %q: %w", req.DBID, err)
	}

	s.count(ctx, s.saveCounter, attribute.String("outcome", string(res.Outcome)))
	s.logger.Info("confirmed fix saved",
		append(logging.ContextFields(ctx),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("pruned", res.Pruned),
		)...,
	)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	span.SetStatus(codes.Ok, "success")
	return res, nil
}

// PruneConfirmedFixes trims dbID's fixes to the prune floor and returns how
// many were removed.
func (s *Service) PruneConfirmedFixes(ctx context.Context, dbID string) (int, error) {
	ctx = logging.WithOperation(logging.WithDatabase(ctx, dbID), "prune_confirmed_fixes")
	ctx, span := s.tracer.Start(ctx, "Service.PruneConfirmedFixes")
	defer span.End()
	span.SetAttributes(attribute.String("db_id", dbID))
	s.count(ctx, s.requestCounter, attribute.String("operation", "prune_confirmed_fixes"))

	c, err := s.curators.Get(ctx, dbID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	removed, err := c.Prune(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("pruning fixes for %q: %w", dbID, err)
	}
	span.SetAttributes(attribute.Int("removed", removed))
	span.SetStatus(codes.Ok, "success")
	return removed, nil
}

func (s *Service) degrade(ctx context.Context, span trace.Span, op string, err error) {
	s.count(ctx, s.degradedCounter, attribute.String("operation", op))
	s.logger.Warn("backend unavailable, returning empty results",
		append(logging.ContextFields(ctx), zap.Error(err))...,
	)
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("degraded", true))
	span.SetStatus(codes.Ok, "degraded")
}

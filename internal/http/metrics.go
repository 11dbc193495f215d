package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/sqlrecall/internal/http"

// Route patterns, as reported by echo.Context.Path.
const (
	routeHealth           = "/health"
	routeMetrics          = "/metrics"
	routeRetrieveExamples = "/api/v1/examples/search"
	routeFindFixes        = "/api/v1/fixes/search"
	routeSaveFix          = "/api/v1/fixes"
	routePruneFixes       = "/api/v1/fixes/:db_id/prune"
)

// operations maps a route to the operation label on request metrics.
var operations = map[string]string{
	routeHealth:           "health",
	routeMetrics:          "metrics",
	routeRetrieveExamples: "retrieve_examples",
	routeFindFixes:        "find_fixes",
	routeSaveFix:          "save_fix",
	routePruneFixes:       "prune_fixes",
}

// Outcomes a handler reports for a successful request. Failed requests are
// classified from their status by the middleware.
const (
	outcomeOK          = "ok"
	outcomeServed      = "served"
	outcomeEmpty       = "empty"
	outcomePruned      = "pruned"
	outcomeUntouched   = "untouched"
	outcomeInvalid     = "invalid"
	outcomeUnavailable = "unavailable"
	outcomeFailed      = "failed"
)

const (
	outcomeKey = "sqlrecall.outcome"
	resultsKey = "sqlrecall.results"
)

// report records what a handler produced: the outcome label and how many
// examples or fixes it returned or removed.
func report(c echo.Context, outcome string, results int) {
	c.Set(outcomeKey, outcome)
	c.Set(resultsKey, results)
}

// listOutcome labels a lookup by whether it found anything.
func listOutcome(n int) string {
	if n == 0 {
		return outcomeEmpty
	}
	return outcomeServed
}

// requestMetrics counts API requests by operation and outcome.
type requestMetrics struct {
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
	results  metric.Int64Histogram
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	m := &requestMetrics{logger: logger}
	var err error

	m.requests, err = meter.Int64Counter(
		"sqlrecall.http.requests_total",
		metric.WithDescription("API requests by operation, outcome (served, empty, inserted, duplicate, pruned, invalid, unavailable...) and status class."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"sqlrecall.http.request_duration_seconds",
		metric.WithDescription("API request latency by operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.results, err = meter.Int64Histogram(
		"sqlrecall.http.results",
		metric.WithDescription("Examples or fixes returned, or fixes removed, per request by operation."),
		metric.WithUnit("{item}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 3, 5, 10, 25, 50, 100, 500),
	)
	if err != nil {
		logger.Warn("failed to create results histogram", zap.Error(err))
	}
	return m
}

// middleware must run outside the handler-error writer so the final status
// is known when it records.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			op, ok := operations[c.Path()]
			if !ok {
				op = "unmatched"
			}
			status := c.Response().Status
			outcome, _ := c.Get(outcomeKey).(string)
			if outcome == "" {
				outcome = outcomeFromStatus(status)
			}

			ctx := c.Request().Context()
			opAttr := attribute.String("operation", op)
			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(
					opAttr,
					attribute.String("outcome", outcome),
					attribute.String("status_class", fmt.Sprintf("%dxx", status/100)),
				))
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttr))
			}
			if n, ok := c.Get(resultsKey).(int); ok && m.results != nil {
				m.results.Record(ctx, int64(n), metric.WithAttributes(opAttr))
			}
			return err
		}
	}
}

func outcomeFromStatus(status int) string {
	switch {
	case status == http.StatusServiceUnavailable:
		return outcomeUnavailable
	case status >= 500:
		return outcomeFailed
	case status >= 400:
		return outcomeInvalid
	default:
		return outcomeOK
	}
}

package mcp

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
)

const valueInstrumentationName = "github.com/fyrsmithlabs/sqlrecall/value"

// ValueMetrics tracks whether the stored knowledge is actually reaching the
// agent: fixes found versus not, examples served and duplicate saves avoided.
type ValueMetrics struct {
	logger *zap.Logger

	fixHits           metric.Int64Counter
	fixMisses         metric.Int64Counter
	examplesServed    metric.Int64Counter
	duplicatesAvoided metric.Int64Counter
}

func newValueMetrics(meter metric.Meter, logger *zap.Logger) *ValueMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ValueMetrics{logger: logger}

	var err error
	m.fixHits, err = meter.Int64Counter(
		"sqlrecall.fixes.lookup_hits_total",
		metric.WithDescription("Fix lookups that returned at least one confirmed fix"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		logger.Warn("failed to create fix hits counter", zap.Error(err))
	}

	m.fixMisses, err = meter.Int64Counter(
		"sqlrecall.fixes.lookup_misses_total",
		metric.WithDescription("Fix lookups that returned nothing"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		logger.Warn("failed to create fix misses counter", zap.Error(err))
	}

	m.examplesServed, err = meter.Int64Counter(
		"sqlrecall.examples.served_total",
		metric.WithDescription("Few-shot examples returned to agents"),
		metric.WithUnit("{example}"),
	)
	if err != nil {
		logger.Warn("failed to create examples served counter", zap.Error(err))
	}

	m.duplicatesAvoided, err = meter.Int64Counter(
		"sqlrecall.fixes.duplicates_avoided_total",
		metric.WithDescription("Saves skipped because an equivalent fix was already stored"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create duplicates counter", zap.Error(err))
	}
	return m
}

// RecordFixLookup records whether a lookup for dbID found anything.
func (m *ValueMetrics) RecordFixLookup(ctx context.Context, dbID string, found int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("db_id", dbID))
	if found > 0 {
		if m.fixHits != nil {
			m.fixHits.Add(ctx, 1, attrs)
		}
	} else if m.fixMisses != nil {
		m.fixMisses.Add(ctx, 1, attrs)
	}
}

// RecordExamplesServed counts examples handed to the agent.
func (m *ValueMetrics) RecordExamplesServed(ctx context.Context, n int) {
	if m == nil || m.examplesServed == nil || n <= 0 {
		return
	}
	m.examplesServed.Add(ctx, int64(n))
}

// RecordSave counts duplicate outcomes; inserts are tracked by the curator.
func (m *ValueMetrics) RecordSave(ctx context.Context, dbID string, outcome curator.Outcome) {
	if m == nil || m.duplicatesAvoided == nil || outcome != curator.OutcomeDuplicate {
		return
	}
	m.duplicatesAvoided.Add(ctx, 1, metric.WithAttributes(attribute.String("db_id", dbID)))
}

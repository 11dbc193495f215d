package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/curator"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/sqlrecall/internal/exampleindex"
	"github.com/fyrsmithlabs/sqlrecall/internal/logging"
	"github.com/fyrsmithlabs/sqlrecall/internal/sanitize"
	"github.com/fyrsmithlabs/sqlrecall/internal/telemetry"
)

const dim = 16

type stubRetriever struct {
	hits []exampleindex.Hit
	err  error
}

func (s *stubRetriever) Retrieve(_ context.Context, _ string, n int) ([]exampleindex.Hit, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.hits[:min(n, len(s.hits))], nil
}

func newRegistry(t *testing.T, embedder embeddings.Embedder) *curator.Registry {
	t.Helper()
	r, err := curator.NewRegistry(t.TempDir(), embedder, nil, config.Default().Curator, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func unavailable() embeddings.Embedder {
	flaky := &embeddingstest.Flaky{Next: embeddingstest.NewSemantic(dim), Failures: 1000}
	return embeddings.NewRetrying(flaky, embeddings.RetryPolicy{MaxAttempts: 2, InitialInterval: 1, MaxInterval: 1}, nil)
}

func TestService_RetrieveExamples(t *testing.T) {
	hits := []exampleindex.Hit{
		{Example: exampleindex.Example{ID: "e1", Intent: "count pets", SQL: "SELECT count(*) FROM pets", DBID: "pets_1",
			Metadata: analyzer.QueryMetadata{PatternSignature: "SELECT-FROM"}}, Similarity: 0.9},
		{Example: exampleindex.Example{ID: "e2", Intent: "list owners", SQL: "SELECT * FROM owners", DBID: "pets_1"}, Similarity: 0.7},
	}
	svc, err := New(&stubRetriever{hits: hits}, newRegistry(t, embeddingstest.NewSemantic(dim)), nil)
	require.NoError(t, err)

	got, err := svc.RetrieveExamples(context.Background(), "how many pets", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, FewShotExample{
		ExampleID:  "e1",
		Intent:     "count pets",
		SQL:        "SELECT count(*) FROM pets",
		DBID:       "pets_1",
		Metadata:   analyzer.QueryMetadata{PatternSignature: "SELECT-FROM"},
		Similarity: 0.9,
	}, got[0])
	assert.Equal(t, "e2", got[1].ExampleID)
}

func TestService_RetrieveExamples_DegradesWhenUnavailable(t *testing.T) {
	logger := logging.NewTestLogger()
	down := &stubRetriever{err: fmt.Errorf("querying example pool: %w", embeddings.ErrCollectionUnavailable)}
	svc, err := New(down, newRegistry(t, embeddingstest.NewSemantic(dim)), logger.Underlying())
	require.NoError(t, err)

	got, err := svc.RetrieveExamples(context.Background(), "count pets", 3)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	logger.AssertLogged(t, zapcore.WarnLevel, "backend unavailable")
	logger.AssertField(t, "backend unavailable, returning empty results", "operation", "retrieve_examples")
}

func TestService_RecordsTelemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	down := &stubRetriever{err: fmt.Errorf("querying example pool: %w", embeddings.ErrCollectionUnavailable)}
	svc, err := New(down, newRegistry(t, embeddingstest.NewSemantic(dim)), nil, WithTelemetry(tel.Telemetry))
	require.NoError(t, err)

	_, err = svc.RetrieveExamples(context.Background(), "count pets", 3)
	require.NoError(t, err)

	tel.AssertSpanExists(t, "Service.RetrieveExamples")
	tel.AssertSpanAttribute(t, "Service.RetrieveExamples", "n", int64(3))
	op := attribute.String("operation", "retrieve_examples")
	assert.Equal(t, int64(1), tel.CounterValue(t, "sqlrecall.service.requests_total", op))
	assert.Equal(t, int64(1), tel.CounterValue(t, "sqlrecall.service.degraded_total", op))
}

func TestService_RetrieveExamples_SurfacesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	svc, err := New(&stubRetriever{err: boom}, newRegistry(t, embeddingstest.NewSemantic(dim)), nil)
	require.NoError(t, err)

	_, err = svc.RetrieveExamples(context.Background(), "count pets", 3)
	assert.ErrorIs(t, err, boom)
}

func TestService_ConfirmedFixLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, err := New(&stubRetriever{}, newRegistry(t, embeddingstest.NewSemantic(dim)), nil)
	require.NoError(t, err)

	req := SaveRequest{
		DBID: "pets_1",
		FixCandidate: curator.FixCandidate{
			Intent:       "count the pets owned by each owner",
			CorrectedSQL: "SELECT owner_id, count(*) FROM pets GROUP BY owner_id",
			ErrorSQL:     "SELECT owner_id, count(*) FROM pets",
			Explanation:  "missing GROUP BY",
			ErrorTags:    []string{"aggregation.missing_group_by"},
		},
	}
	res, err := svc.SaveConfirmedFix(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, curator.OutcomeInserted, res.Outcome)

	res, err = svc.SaveConfirmedFix(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, curator.OutcomeDuplicate, res.Outcome)

	found, err := svc.FindSimilarConfirmedFixes(ctx, "pets_1", req.Intent, 3)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, req.CorrectedSQL, found[0].Fix.CorrectedSQL)
	assert.Equal(t, 1, found[0].Fix.UsageCount)

	other, err := svc.FindSimilarConfirmedFixes(ctx, "other_db", req.Intent, 3)
	require.NoError(t, err)
	assert.Empty(t, other)

	removed, err := svc.PruneConfirmedFixes(ctx, "pets_1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestService_FixesWhenEmbedderUnavailable(t *testing.T) {
	ctx := context.Background()
	svc, err := New(&stubRetriever{}, newRegistry(t, unavailable()), nil)
	require.NoError(t, err)

	found, err := svc.FindSimilarConfirmedFixes(ctx, "pets_1", "count pets", 3)
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = svc.SaveConfirmedFix(ctx, SaveRequest{
		DBID:         "pets_1",
		FixCandidate: curator.FixCandidate{Intent: "count pets", CorrectedSQL: "SELECT count(*) FROM pets"},
	})
	assert.ErrorIs(t, err, embeddings.ErrCollectionUnavailable)
}

func TestService_InvalidDatabaseID(t *testing.T) {
	ctx := context.Background()
	svc, err := New(&stubRetriever{}, newRegistry(t, embeddingstest.NewSemantic(dim)), nil)
	require.NoError(t, err)

	_, err = svc.FindSimilarConfirmedFixes(ctx, "", "x", 1)
	assert.ErrorIs(t, err, sanitize.ErrInvalidDatabaseID)
	_, err = svc.SaveConfirmedFix(ctx, SaveRequest{FixCandidate: curator.FixCandidate{Intent: "x", CorrectedSQL: "y"}})
	assert.ErrorIs(t, err, sanitize.ErrInvalidDatabaseID)
	_, err = svc.PruneConfirmedFixes(ctx, "")
	assert.ErrorIs(t, err, sanitize.ErrInvalidDatabaseID)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, newRegistry(t, embeddingstest.NewSemantic(dim)), nil)
	assert.Error(t, err)
	_, err = New(&stubRetriever{}, nil, nil)
	assert.Error(t, err)
}

package exampleindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings/embeddingstest"
)

const dim = 8

func newMemoryIndex(t *testing.T, e embeddings.Embedder) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{Collection: "test_examples"}, e, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func example(id, intent string) Example {
	return Example{
		ID:     id,
		Intent: intent,
		SQL:    "SELECT 1",
		DBID:   "concert_singer",
		Metadata: analyzer.QueryMetadata{
			ComplexityScore:  0.2,
			PatternSignature: "SELECT-FROM",
			ClausesPresent:   []analyzer.ClauseTag{analyzer.ClauseFrom, analyzer.ClauseSelect},
			NumTables:        1,
			NestingDepth:     1,
		},
	}
}

func TestChromemIndex_QueryOrdersBySimilarity(t *testing.T) {
	e := embeddingstest.NewFixed(dim)
	e.Set("query", embeddingstest.Angled(1, dim))
	e.Set("close", embeddingstest.Angled(0.9, dim))
	e.Set("far", embeddingstest.Angled(0.3, dim))
	e.Set("middle", embeddingstest.Angled(0.6, dim))
	idx := newMemoryIndex(t, e)
	ctx := context.Background()

	for _, ex := range []Example{example("far", "far"), example("close", "close"), example("middle", "middle")} {
		require.NoError(t, idx.Upsert(ctx, ex))
	}

	hits, err := idx.Query(ctx, "query", 10)
	require.NoError(t, err)
	require.Len(t, hits, 3, "k is capped at the collection size")

	assert.Equal(t, "close", hits[0].Example.ID)
	assert.Equal(t, "middle", hits[1].Example.ID)
	assert.Equal(t, "far", hits[2].Example.ID)
	assert.InDelta(t, 0.9, hits[0].Similarity, 1e-5)

	assert.Equal(t, "SELECT-FROM", hits[0].Example.Metadata.PatternSignature)
	assert.Equal(t, "concert_singer", hits[0].Example.DBID)
	assert.Equal(t, []analyzer.ClauseTag{analyzer.ClauseFrom, analyzer.ClauseSelect}, hits[0].Example.Metadata.ClausesPresent)
}

func TestChromemIndex_TiesKeepInsertionOrder(t *testing.T) {
	e := embeddingstest.NewFixed(dim)
	e.Set("query", embeddingstest.Angled(1, dim))
	for _, id := range []string{"first", "second", "third"} {
		e.Set(id, embeddingstest.Angled(0.8, dim))
	}
	idx := newMemoryIndex(t, e)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, idx.Upsert(ctx, example(id, id)))
	}
	// Replacing an example keeps its original position.
	require.NoError(t, idx.Upsert(ctx, example("first", "first")))

	hits, err := idx.Query(ctx, "query", 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{hits[0].Example.ID, hits[1].Example.ID, hits[2].Example.ID})

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "upsert is idempotent by id")
}

func TestChromemIndex_TiesAcrossCutoffAreStable(t *testing.T) {
	e := embeddingstest.NewFixed(dim)
	e.Set("query", embeddingstest.Angled(1, dim))
	idx := newMemoryIndex(t, e)
	ctx := context.Background()

	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("ex%02d", i)
		e.Set(ids[i], embeddingstest.Angled(0.7, dim))
		require.NoError(t, idx.Upsert(ctx, example(ids[i], ids[i])))
	}

	for range 50 {
		hits, err := idx.Query(ctx, "query", 3)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, ids[:3], []string{hits[0].Example.ID, hits[1].Example.ID, hits[2].Example.ID})
	}
}

func TestTopK(t *testing.T) {
	hit := func(sim float64, seq int64) Hit {
		return Hit{Example: Example{ID: fmt.Sprint(seq)}, Similarity: sim, seq: seq}
	}
	// Backend ranking: one strong hit, then five ties listed newest first.
	backend := []Hit{hit(0.9, 6), hit(0.5, 5), hit(0.5, 4), hit(0.5, 3), hit(0.5, 2), hit(0.5, 1), hit(0.1, 7)}
	fetch := func(calls *[]int) func(n int) ([]Hit, int, error) {
		return func(n int) ([]Hit, int, error) {
			*calls = append(*calls, n)
			out := append([]Hit(nil), backend[:min(n, len(backend))]...)
			return out, len(out), nil
		}
	}

	tests := []struct {
		name    string
		k       int
		limit   int
		wantIDs []string
		wantN   []int
	}{
		{name: "widens past ties", k: 2, limit: 0, wantIDs: []string{"6", "1"}, wantN: []int{3, 6, 12}},
		{name: "stops at limit", k: 2, limit: 4, wantIDs: []string{"6", "3"}, wantN: []int{3, 4}},
		{name: "settled on first fetch", k: 6, limit: 0, wantIDs: []string{"6", "1", "2", "3", "4", "5"}, wantN: []int{7}},
		{name: "k beyond data", k: 10, limit: 0, wantIDs: []string{"6", "1", "2", "3", "4", "5", "7"}, wantN: []int{11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []int
			hits, err := topK(tt.k, tt.limit, fetch(&calls))
			require.NoError(t, err)
			got := make([]string, len(hits))
			for i, h := range hits {
				got[i] = h.Example.ID
			}
			assert.Equal(t, tt.wantIDs, got)
			assert.Equal(t, tt.wantN, calls)
		})
	}

	_, err := topK(3, 0, func(int) ([]Hit, int, error) { return nil, 0, errors.New("boom") })
	require.Error(t, err)
}

func TestChromemIndex_Persistence(t *testing.T) {
	dir := t.TempDir()
	e := embeddingstest.NewSemantic(dim)
	ctx := context.Background()

	idx, err := NewChromemIndex(ChromemConfig{Path: dir, Compress: true, Collection: "persisted"}, e, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, example("a", "list singers by age")))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(ChromemConfig{Path: dir, Compress: true, Collection: "persisted"}, e, nil)
	require.NoError(t, err)
	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := reopened.Query(ctx, "list singers by age", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Example.ID)
	assert.Equal(t, "list singers by age", hits[0].Example.Intent)
}

func TestChromemIndex_Errors(t *testing.T) {
	idx := newMemoryIndex(t, embeddingstest.NewSemantic(dim))
	ctx := context.Background()

	hits, err := idx.Query(ctx, "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = idx.Query(ctx, "anything", 0)
	assert.Error(t, err)

	_, err = idx.Query(ctx, "", 1)
	assert.True(t, errors.Is(err, embeddings.ErrEmptyInput))

	err = idx.Upsert(ctx, Example{ID: "x"})
	assert.True(t, errors.Is(err, ErrInvalidExample))

	_, err = NewChromemIndex(ChromemConfig{Collection: "Bad-Name"}, embeddingstest.NewSemantic(dim), nil)
	assert.True(t, errors.Is(err, ErrInvalidCollectionName))
}

func TestChromemIndex_EmbedderUnavailable(t *testing.T) {
	flaky := &embeddingstest.Flaky{Next: embeddingstest.NewSemantic(dim), Failures: 100}
	retrying := embeddings.NewRetrying(flaky, embeddings.RetryPolicy{MaxAttempts: 2, InitialInterval: 1, MaxInterval: 1}, nil)
	idx := newMemoryIndex(t, retrying)

	err := idx.Upsert(context.Background(), example("a", "anything"))
	assert.True(t, errors.Is(err, embeddings.ErrCollectionUnavailable))
}

func TestNew_SelectsProvider(t *testing.T) {
	cfg := config.Default().VectorStore
	cfg.Path = t.TempDir()

	idx, err := New(context.Background(), cfg, embeddingstest.NewSemantic(dim), embeddings.RetryPolicy{}, nil)
	require.NoError(t, err)
	_, ok := idx.(*ChromemIndex)
	assert.True(t, ok)
	require.NoError(t, idx.Close())

	cfg.Provider = "pinecone"
	_, err = New(context.Background(), cfg, embeddingstest.NewSemantic(dim), embeddings.RetryPolicy{}, nil)
	assert.True(t, errors.Is(err, ErrUnknownProvider))
}

func TestValidateCollectionName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"sqlrecall_examples", true},
		{"a", true},
		{"", false},
		{"UPPER", false},
		{"with-dash", false},
		{"../escape", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		err := ValidateCollectionName(tt.name)
		if tt.valid {
			assert.NoError(t, err, tt.name)
		} else {
			assert.True(t, errors.Is(err, ErrInvalidCollectionName), tt.name)
		}
	}
}

func TestQdrantPayload(t *testing.T) {
	ex := example("spider_train_12", "how many singers are there")
	ex.Difficulty = "easy"

	payload, err := examplePayload(ex, 42)
	require.NoError(t, err)

	hit, err := exampleFromPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, ex, hit.Example)
	assert.Equal(t, int64(42), hit.seq)

	delete(payload, "id")
	_, err = exampleFromPayload(payload)
	assert.Error(t, err)
}

func TestPointID(t *testing.T) {
	assert.Equal(t, PointID("spider_1"), PointID("spider_1"))
	assert.NotEqual(t, PointID("spider_1"), PointID("spider_2"))
	assert.Len(t, PointID("spider_1"), 36)
}

func TestIsTransientError(t *testing.T) {
	assert.False(t, IsTransientError(nil))
	assert.False(t, IsTransientError(errors.New("plain")))
	assert.True(t, IsTransientError(status.Error(grpccodes.Unavailable, "down")))
	assert.True(t, IsTransientError(status.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.False(t, IsTransientError(status.Error(grpccodes.NotFound, "missing")))
	assert.False(t, IsTransientError(status.Error(grpccodes.InvalidArgument, "bad")))
}

func TestQdrantConfig_Validate(t *testing.T) {
	good := QdrantConfig{Host: "localhost", Port: 6334, Collection: "examples", VectorSize: 384}
	assert.NoError(t, good.Validate())

	bad := good
	bad.Port = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.VectorSize = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.Collection = "Examples"
	assert.True(t, errors.Is(bad.Validate(), ErrInvalidCollectionName))
}

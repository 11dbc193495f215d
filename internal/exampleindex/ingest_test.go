package exampleindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/sqlrecall/internal/logging"
)

const simpleTree = `{"kind":"statement","children":[{"kind":"select","children":[{"kind":"column","name":"name"},{"kind":"from","children":[{"kind":"table","name":"singer"}]}]}]}`

// recordingIndex captures upserts in call order.
type recordingIndex struct {
	mu      sync.Mutex
	upserts []Example
	failOn  string
}

func (r *recordingIndex) Upsert(_ context.Context, ex Example) error {
	if ex.ID == r.failOn {
		return errors.New("index down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, ex)
	return nil
}

func (r *recordingIndex) Query(context.Context, string, int) ([]Hit, error) { return nil, nil }
func (r *recordingIndex) Count(context.Context) (int, error)                { return len(r.upserts), nil }
func (r *recordingIndex) Close() error                                      { return nil }

func newTestIngester(t *testing.T, idx Index) (*Ingester, *logging.TestLogger) {
	t.Helper()
	a, err := analyzer.New(config.ScoringConfig{Metrics: config.DefaultMetrics(), SignatureMaxLen: 100})
	require.NoError(t, err)
	tl := logging.NewTestLogger()
	g, err := NewIngester(idx, a, tl.Underlying())
	require.NoError(t, err)
	return g, tl
}

func TestIngest_SkipsBadRecords(t *testing.T) {
	idx := &recordingIndex{}
	g, tl := newTestIngester(t, idx)

	corpus := strings.Join([]string{
		fmt.Sprintf(`{"id":"s1","db_id":"concert_singer","difficulty":"easy","intent":"list singer names","sql":"SELECT name FROM singer","tree":%s}`, simpleTree),
		``,
		`{"db_id":"concert_singer","intent":"broken tree","sql":"SELECT","tree":{"kind":"window"}}`,
		`{"db_id":"concert_singer","intent":"","sql":"SELECT 1","tree":` + simpleTree + `}`,
		`not json`,
		fmt.Sprintf(`{"db_id":"pets_1","intent":"list pets","sql":"SELECT name FROM singer","tree":%s}`, simpleTree),
	}, "\n")

	report, err := g.Ingest(context.Background(), strings.NewReader(corpus))
	require.NoError(t, err)
	assert.Equal(t, IngestReport{Indexed: 2, Skipped: 3}, report)

	require.Len(t, idx.upserts, 2)
	assert.Equal(t, "s1", idx.upserts[0].ID)
	assert.Equal(t, "easy", idx.upserts[0].Difficulty)
	assert.Equal(t, "SELECT-FROM", idx.upserts[0].Metadata.PatternSignature)
	assert.Equal(t, "pets_1_6", idx.upserts[1].ID, "missing ids default to db_id and line")

	tl.AssertLogged(t, zapcore.InfoLevel, "corpus ingested")
	tl.AssertLogged(t, zapcore.WarnLevel, "skipping record")
}

func TestIngest_PreservesCorpusOrderAcrossChunks(t *testing.T) {
	idx := &recordingIndex{}
	g, _ := newTestIngester(t, idx)

	var b strings.Builder
	total := ingestChunk*2 + 7
	for i := 0; i < total; i++ {
		fmt.Fprintf(&b, `{"id":"ex%d","db_id":"db","intent":"intent %d","sql":"SELECT 1","tree":%s}`+"\n", i, i, simpleTree)
	}

	report, err := g.Ingest(context.Background(), strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, total, report.Indexed)
	require.Len(t, idx.upserts, total)
	for i, ex := range idx.upserts {
		assert.Equal(t, fmt.Sprintf("ex%d", i), ex.ID)
	}
}

func TestIngest_IndexFailureAborts(t *testing.T) {
	idx := &recordingIndex{failOn: "bad"}
	g, _ := newTestIngester(t, idx)

	corpus := fmt.Sprintf(`{"id":"bad","db_id":"db","intent":"x","sql":"SELECT 1","tree":%s}`, simpleTree)
	_, err := g.Ingest(context.Background(), strings.NewReader(corpus))
	assert.ErrorContains(t, err, "line 1")
}

func TestIngest_IntoChromem(t *testing.T) {
	idx := newMemoryIndex(t, embeddingstest.NewSemantic(dim))
	g, _ := newTestIngester(t, idx)

	corpus := fmt.Sprintf(`{"id":"s1","db_id":"concert_singer","intent":"list singer names","sql":"SELECT name FROM singer","tree":%s}`, simpleTree)
	report, err := g.Ingest(context.Background(), strings.NewReader(corpus))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Indexed)

	hits, err := idx.Query(context.Background(), "singer names", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "SELECT name FROM singer", hits[0].Example.SQL)
}

func TestNewIngester_RequiresDependencies(t *testing.T) {
	_, err := NewIngester(nil, nil, nil)
	assert.Error(t, err)
}

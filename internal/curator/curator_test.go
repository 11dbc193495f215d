package curator

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/sqlrecall/internal/taxonomy"
)

const dim = 16

// oneHot returns the basis vector e_i.
func oneHot(i, size int) []float32 {
	v := make([]float32, size)
	v[i] = 1
	return v
}

// toward returns a unit vector with cosine s to e_0, leaning into e_k.
func toward(s float64, k, size int) []float32 {
	v := make([]float32, size)
	v[0] = float32(s)
	v[k] = float32(math.Sqrt(1 - s*s))
	return v
}

type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testConfig() config.CuratorConfig {
	return config.Default().Curator
}

func newTestCurator(t *testing.T, cfg config.CuratorConfig, embedder *embeddingstest.Fixed) *Curator {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	clock := &tickingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := New("pets_1", store, embedder, cfg,
		WithClock(clock.Now),
		WithTaxonomy(taxonomy.New(config.DefaultCategories())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func candidate(intent string) FixCandidate {
	return FixCandidate{
		Intent:       intent,
		CorrectedSQL: "SELECT 1",
		ErrorSQL:     "SELECT",
		Explanation:  "missing expression",
	}
}

func TestCurator_Save_Deduplicates(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("count pets", oneHot(0, dim))
	emb.Set("how many pets", embeddingstest.Angled(0.85, dim))
	emb.Set("list owners", embeddingstest.Angled(0.5, dim))
	c := newTestCurator(t, testConfig(), emb)

	first, err := c.Save(ctx, candidate("count pets"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, first.Outcome)
	assert.NotEmpty(t, first.ID)

	dup, err := c.Save(ctx, candidate("how many pets"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, first.ID, dup.MatchedID)
	assert.InDelta(t, 0.85, dup.Similarity, 1e-6)
	assert.Empty(t, dup.ID)

	other, err := c.Save(ctx, candidate("list owners"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, other.Outcome)
	assert.InDelta(t, 0.5, other.Similarity, 1e-6)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fixes, err := c.List(ctx)
	require.NoError(t, err)
	for _, fix := range fixes {
		assert.Zero(t, fix.UsageCount, "a duplicate save must not touch usage")
	}
}

func TestCurator_Save_RecordsFields(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	c := newTestCurator(t, testConfig(), emb)

	in := FixCandidate{
		Intent:       "oldest pet per owner",
		CorrectedSQL: "SELECT owner_id, MAX(age) FROM pets GROUP BY owner_id",
		ErrorSQL:     "SELECT owner_id, MAX(age) FROM pets",
		Explanation:  "aggregate needs GROUP BY",
		Tables:       []string{"pets"},
		ErrorTags:    []string{"aggregation.missing_group_by", "join.extra", "weird"},
	}
	res, err := c.Save(ctx, in)
	require.NoError(t, err)

	fixes, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	got := fixes[0]
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, in.Intent, got.Intent)
	assert.Equal(t, in.CorrectedSQL, got.CorrectedSQL)
	assert.Equal(t, in.ErrorSQL, got.ErrorSQL)
	assert.Equal(t, in.Explanation, got.Explanation)
	assert.Equal(t, in.Tables, got.Tables)
	assert.Equal(t, in.ErrorTags, got.ErrorTags)
	assert.Equal(t, []string{"aggregation", "join_related", taxonomy.CategoryOther}, got.Categories)
	assert.True(t, got.ConfirmedAt.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)), "confirmed_at = %v", got.ConfirmedAt)
	assert.Zero(t, got.UsageCount)
}

func TestCurator_Save_InvalidCandidate(t *testing.T) {
	c := newTestCurator(t, testConfig(), embeddingstest.NewFixed(dim))

	_, err := c.Save(context.Background(), FixCandidate{CorrectedSQL: "SELECT 1"})
	assert.ErrorIs(t, err, ErrInvalidFix)
	_, err = c.Save(context.Background(), FixCandidate{Intent: "x"})
	assert.ErrorIs(t, err, ErrInvalidFix)
}

func TestCurator_Save_EmbedderFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	flaky := &embeddingstest.Flaky{Next: embeddingstest.NewSemantic(dim), Failures: 1}
	c, err := New("pets_1", store, flaky, testConfig())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Save(ctx, candidate("count pets"))
	require.ErrorIs(t, err, embeddingstest.ErrUnavailable)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCurator_Save_PrunesUnusedOldestFirst(t *testing.T) {
	if testing.Short() {
		t.Skip("inserts 501 fixes")
	}
	ctx := context.Background()
	const total = 501
	emb := embeddingstest.NewFixed(total)
	for i := 0; i < total; i++ {
		emb.Set(fmt.Sprintf("intent %d", i), oneHot(i, total))
	}
	c := newTestCurator(t, testConfig(), emb)

	for i := 0; i < 500; i++ {
		res, err := c.Save(ctx, candidate(fmt.Sprintf("intent %d", i)))
		require.NoError(t, err)
		require.Equal(t, OutcomeInserted, res.Outcome)
		require.Zero(t, res.Pruned)
	}
	for i := 0; i < 10; i++ {
		found, err := c.FindSimilar(ctx, fmt.Sprintf("intent %d", i), 1)
		require.NoError(t, err)
		require.Len(t, found, 1)
	}

	res, err := c.Save(ctx, candidate("intent 500"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Outcome)
	assert.Equal(t, 51, res.Pruned)

	fixes, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, fixes, 450)

	kept := make(map[string]bool, len(fixes))
	for _, fix := range fixes {
		kept[fix.Intent] = true
	}
	for i := 0; i < 10; i++ {
		assert.True(t, kept[fmt.Sprintf("intent %d", i)], "used fix %d evicted", i)
	}
	for i := 10; i <= 60; i++ {
		assert.False(t, kept[fmt.Sprintf("intent %d", i)], "unused fix %d kept", i)
	}
	for i := 61; i <= 500; i++ {
		assert.True(t, kept[fmt.Sprintf("intent %d", i)], "fix %d evicted", i)
	}
}

func TestCurator_Prune(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cap = 10
	cfg.PruneFloorRatio = 0.5

	setup := func(t *testing.T, n int, used ...int) *Curator {
		emb := embeddingstest.NewFixed(dim)
		for i := 0; i < n; i++ {
			emb.Set(fmt.Sprintf("intent %d", i), oneHot(i, dim))
		}
		c := newTestCurator(t, cfg, emb)
		for i := 0; i < n; i++ {
			_, err := c.Save(ctx, candidate(fmt.Sprintf("intent %d", i)))
			require.NoError(t, err)
		}
		for _, i := range used {
			_, err := c.FindSimilar(ctx, fmt.Sprintf("intent %d", i), 1)
			require.NoError(t, err)
		}
		return c
	}
	intents := func(t *testing.T, c *Curator) []string {
		fixes, err := c.List(ctx)
		require.NoError(t, err)
		out := make([]string, len(fixes))
		for i, f := range fixes {
			out[i] = f.Intent
		}
		return out
	}

	t.Run("unused oldest go first", func(t *testing.T) {
		c := setup(t, 8, 0, 1)
		removed, err := c.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, removed)
		assert.Equal(t, []string{"intent 0", "intent 1", "intent 5", "intent 6", "intent 7"}, intents(t, c))
	})

	t.Run("falls back to oldest when all are used", func(t *testing.T) {
		c := setup(t, 10, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
		removed, err := c.Prune(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, removed)
		assert.Equal(t, []string{"intent 5", "intent 6", "intent 7", "intent 8", "intent 9"}, intents(t, c))
	})

	t.Run("at or below floor is untouched", func(t *testing.T) {
		c := setup(t, 5)
		removed, err := c.Prune(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)
		assert.Len(t, intents(t, c), 5)
	})
}

func TestCurator_FindSimilar(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("query", oneHot(0, dim))
	emb.Set("close", toward(0.88, 1, dim))
	emb.Set("near", toward(0.8, 2, dim))
	emb.Set("far", toward(0.7, 3, dim))
	c := newTestCurator(t, testConfig(), emb)

	for _, intent := range []string{"far", "near", "close"} {
		res, err := c.Save(ctx, candidate(intent))
		require.NoError(t, err)
		require.Equal(t, OutcomeInserted, res.Outcome)
	}

	found, err := c.FindSimilar(ctx, "query", 5)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "close", found[0].Fix.Intent)
	assert.Equal(t, "near", found[1].Fix.Intent)
	assert.InDelta(t, 0.88, found[0].Similarity, 1e-6)
	assert.Equal(t, found[0].Similarity, found[0].Score)
	assert.Equal(t, 1, found[0].Fix.UsageCount)

	found, err = c.FindSimilar(ctx, "query", 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 2, found[0].Fix.UsageCount)

	fixes, err := c.List(ctx)
	require.NoError(t, err)
	usage := map[string]int{}
	for _, f := range fixes {
		usage[f.Intent] = f.UsageCount
	}
	assert.Equal(t, map[string]int{"far": 0, "near": 1, "close": 2}, usage)

	none, err := c.FindSimilar(ctx, "query", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCurator_FindSimilar_TiesPreferOlder(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("query", oneHot(0, dim))
	emb.Set("first", toward(0.8, 1, dim))
	emb.Set("second", toward(0.8, 2, dim))
	c := newTestCurator(t, testConfig(), emb)

	for _, intent := range []string{"first", "second"} {
		_, err := c.Save(ctx, candidate(intent))
		require.NoError(t, err)
	}

	found, err := c.FindSimilar(ctx, "query", 2)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "first", found[0].Fix.Intent)
	assert.Equal(t, "second", found[1].Fix.Intent)
}

func TestCurator_FindSimilar_WithTables(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("query", oneHot(0, dim))
	emb.Set("orders fix", toward(0.88, 1, dim))
	emb.Set("pets fix", toward(0.8, 2, dim))
	c := newTestCurator(t, testConfig(), emb)

	orders := candidate("orders fix")
	orders.Tables = []string{"orders"}
	pets := candidate("pets fix")
	pets.Tables = []string{"pets"}
	for _, in := range []FixCandidate{orders, pets} {
		_, err := c.Save(ctx, in)
		require.NoError(t, err)
	}

	found, err := c.FindSimilar(ctx, "query", 1, WithTables("pets"))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "pets fix", found[0].Fix.Intent)
	assert.InDelta(t, 0.7*0.8+0.3, found[0].Score, 1e-6)
}

func TestCurator_FindSimilar_StoredTablesIgnoredWithoutQueryTables(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("query", oneHot(0, dim))
	emb.Set("orders fix", toward(0.88, 1, dim))
	emb.Set("bare fix", toward(0.8, 2, dim))
	c := newTestCurator(t, testConfig(), emb)

	orders := candidate("orders fix")
	orders.Tables = []string{"orders"}
	for _, in := range []FixCandidate{orders, candidate("bare fix")} {
		_, err := c.Save(ctx, in)
		require.NoError(t, err)
	}

	found, err := c.FindSimilar(ctx, "query", 2)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "orders fix", found[0].Fix.Intent)
	assert.Equal(t, "bare fix", found[1].Fix.Intent)
	for _, f := range found {
		assert.Equal(t, f.Similarity, f.Score)
	}
}

func TestCurator_FindSimilar_HugeLimit(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("count pets", oneHot(0, dim))
	c := newTestCurator(t, testConfig(), emb)

	in := candidate("count pets")
	in.Tables = []string{"pets"}
	_, err := c.Save(ctx, in)
	require.NoError(t, err)

	for _, limit := range []int{math.MaxInt, math.MaxInt/2 + 1} {
		var found []ScoredFix
		require.NotPanics(t, func() {
			found, err = c.FindSimilar(ctx, "count pets", limit, WithTables("pets"))
		})
		require.NoError(t, err)
		assert.Len(t, found, 1)
	}
}

func TestCurator_Save_FailedPruneKeepsStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Cap = 2
	cfg.PruneFloorRatio = 0.5
	emb := embeddingstest.NewFixed(dim)
	for i := 0; i < 3; i++ {
		emb.Set(fmt.Sprintf("intent %d", i), oneHot(i, dim))
	}
	c := newTestCurator(t, cfg, emb)

	for i := 0; i < 2; i++ {
		_, err := c.Save(ctx, candidate(fmt.Sprintf("intent %d", i)))
		require.NoError(t, err)
	}
	before, err := c.List(ctx)
	require.NoError(t, err)

	_, err = c.store.db.ExecContext(ctx, `
		CREATE TRIGGER block_eviction BEFORE DELETE ON confirmed_fixes
		BEGIN SELECT RAISE(ABORT, 'eviction blocked'); END`)
	require.NoError(t, err)

	_, err = c.Save(ctx, candidate("intent 2"))
	require.Error(t, err)

	after, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed prune must roll back the insert")

	_, err = c.store.db.ExecContext(ctx, `DROP TRIGGER block_eviction`)
	require.NoError(t, err)

	res, err := c.Save(ctx, candidate("intent 2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Outcome, "retry is not reported as a duplicate")
	assert.Equal(t, 2, res.Pruned)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCurator_ConcurrentSavesOfOneIntent(t *testing.T) {
	ctx := context.Background()
	emb := embeddingstest.NewFixed(dim)
	emb.Set("count pets", oneHot(0, dim))
	c := newTestCurator(t, testConfig(), emb)

	const workers = 20
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Save(ctx, candidate("count pets"))
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, o := range outcomes {
		if o == OutcomeInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted)
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCurator_Closed(t *testing.T) {
	ctx := context.Background()
	c := newTestCurator(t, testConfig(), embeddingstest.NewFixed(dim))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Save(ctx, candidate("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.FindSimilar(ctx, "x", 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Prune(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Count(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_Validates(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = New("db", nil, embeddingstest.NewSemantic(dim), testConfig())
	assert.Error(t, err)
	_, err = New("db", store, nil, testConfig())
	assert.Error(t, err)

	bad := testConfig()
	bad.Cap = 0
	_, err = New("db", store, embeddingstest.NewSemantic(dim), bad)
	assert.ErrorIs(t, err, config.ErrConfig)
}

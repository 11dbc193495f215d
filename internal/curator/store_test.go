package curator

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedFix(id string, at time.Time, usage int) ConfirmedFix {
	return ConfirmedFix{
		ID:           id,
		Intent:       "intent " + id,
		CorrectedSQL: "SELECT 1",
		ConfirmedAt:  at,
		UsageCount:   usage,
		embedding:    []float32{0.25, -1.5, 3},
	}
}

// insert stores fix without ever pruning.
func insert(ctx context.Context, store *Store, fix ConfirmedFix) error {
	_, err := store.InsertAndPrune(ctx, fix, math.MaxInt, 0)
	return err
}

func TestStore_RoundTripAndPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "fixes.db")

	store, err := OpenStore(path)
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())

	at := time.Date(2024, 3, 1, 12, 0, 0, 123, time.UTC)
	fix := storedFix("a", at, 0)
	fix.Tables = []string{"pets", "owners"}
	fix.ErrorTags = []string{"join.missing"}
	fix.Categories = []string{"join_related"}
	require.NoError(t, insert(ctx, store, fix))
	require.Error(t, insert(ctx, store, fix), "ids are unique")
	require.NoError(t, store.Close())

	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	fixes, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	got := fixes[0]
	assert.Equal(t, "a", got.ID)
	assert.Equal(t, []string{"pets", "owners"}, got.Tables)
	assert.Equal(t, []string{"join.missing"}, got.ErrorTags)
	assert.Equal(t, []string{"join_related"}, got.Categories)
	assert.True(t, got.ConfirmedAt.Equal(at))
	assert.Equal(t, []float32{0.25, -1.5, 3}, got.embedding)
}

func TestStore_IncrementUsage(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Unix(1000, 0)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, insert(ctx, store, storedFix(id, t0.Add(time.Duration(i)*time.Second), 0)))
	}
	require.NoError(t, store.IncrementUsage(ctx, []string{"a", "c"}))
	require.NoError(t, store.IncrementUsage(ctx, []string{"c", "missing"}))
	require.NoError(t, store.IncrementUsage(ctx, nil))

	fixes, err := store.All(ctx)
	require.NoError(t, err)
	usage := map[string]int{}
	for _, f := range fixes {
		usage[f.ID] = f.UsageCount
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 0, "c": 2}, usage)
}

func TestStore_PruneTo(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Unix(1000, 0)
	// Same timestamp for b and c: insertion order breaks the tie.
	require.NoError(t, insert(ctx, store, storedFix("a", t0, 4)))
	require.NoError(t, insert(ctx, store, storedFix("b", t0.Add(time.Second), 0)))
	require.NoError(t, insert(ctx, store, storedFix("c", t0.Add(time.Second), 0)))
	require.NoError(t, insert(ctx, store, storedFix("d", t0.Add(2*time.Second), 1)))
	require.NoError(t, insert(ctx, store, storedFix("e", t0.Add(3*time.Second), 0)))

	removed, err := store.PruneTo(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = store.PruneTo(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"a", "d", "e"}, storedIDs(t, store))

	removed, err = store.PruneTo(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"d"}, storedIDs(t, store))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_InsertAndPrune(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(filepath.Join(t.TempDir(), "fixes.db"))
	require.NoError(t, err)
	defer store.Close()

	t0 := time.Unix(1000, 0)
	for i, id := range []string{"a", "b", "c"} {
		removed, err := store.InsertAndPrune(ctx, storedFix(id, t0.Add(time.Duration(i)*time.Second), i%2), 3, 2)
		require.NoError(t, err)
		assert.Zero(t, removed)
	}

	// Over the limit: the unused oldest fixes go until the floor is reached.
	removed, err := store.InsertAndPrune(ctx, storedFix("d", t0.Add(3*time.Second), 0), 3, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"b", "d"}, storedIDs(t, store))

	// A rejected insert leaves the store as it was.
	_, err = store.InsertAndPrune(ctx, storedFix("b", t0.Add(4*time.Second), 0), 3, 2)
	require.Error(t, err)
	assert.Equal(t, []string{"b", "d"}, storedIDs(t, store))
}

func storedIDs(t *testing.T, store *Store) []string {
	t.Helper()
	fixes, err := store.All(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(fixes))
	for i, f := range fixes {
		ids[i] = f.ID
	}
	return ids
}

func TestDecodeEmbedding_RejectsTruncatedBlob(t *testing.T) {
	_, err := decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)

	v, err := decodeEmbedding(encodeEmbedding(nil))
	require.NoError(t, err)
	assert.Empty(t, v)
}

// Package exampleindex stores historical query examples behind an embedding
// index and answers nearest-neighbor queries over their intents.
//
// The index owns no ranking logic: Query returns hits by descending cosine
// similarity with ties broken by first insertion order. Diversity-aware
// selection lives in the retrieval package.
package exampleindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/analyzer"
	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
)

var tracer = otel.Tracer("sqlrecall.exampleindex")

var (
	// ErrInvalidExample is returned for examples missing an id or intent.
	ErrInvalidExample = errors.New("invalid example")

	// ErrInvalidCollectionName indicates a collection name outside ^[a-z0-9_]{1,64}$.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrUnknownProvider is returned for an unsupported vectorstore provider.
	ErrUnknownProvider = errors.New("unknown vectorstore provider")
)

// Example is one indexed historical query. It is read-only once stored.
type Example struct {
	ID         string                 `json:"id"`
	Intent     string                 `json:"intent"`
	SQL        string                 `json:"sql"`
	DBID       string                 `json:"db_id"`
	Difficulty string                 `json:"difficulty,omitempty"`
	Metadata   analyzer.QueryMetadata `json:"metadata"`
}

// Validate checks the fields the index relies on.
func (e Example) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidExample)
	}
	if e.Intent == "" {
		return fmt.Errorf("%w: intent is required", ErrInvalidExample)
	}
	return nil
}

// Hit is one query result.
type Hit struct {
	Example    Example
	Similarity float64
	// seq is the first-insertion sequence number used to break ties.
	seq int64
}

// Index is an embedding-backed example store.
type Index interface {
	// Upsert stores ex, replacing any example with the same id. Replacing
	// keeps the original insertion position.
	Upsert(ctx context.Context, ex Example) error
	// Query returns up to k examples most similar to text.
	Query(ctx context.Context, text string, k int) ([]Hit, error)
	// Count returns the number of stored examples.
	Count(ctx context.Context) (int, error)
	Close() error
}

// New creates the index selected by cfg.Provider.
func New(ctx context.Context, cfg config.VectorStoreConfig, embedder embeddings.Provider, policy embeddings.RetryPolicy, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		path, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		return NewChromemIndex(ChromemConfig{
			Path:       path,
			Compress:   cfg.Compress,
			Collection: cfg.Collection,
		}, embedder, logger)
	case "qdrant":
		return NewQdrantIndex(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			APIKey:     cfg.QdrantAPIKey.Value(),
			Collection: cfg.Collection,
			VectorSize: embedder.Dimension(),
			Retry:      policy,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks a collection name is safe for every backend.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// sortHits orders hits by descending similarity, then insertion order.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].seq < hits[j].seq
	})
}

// topK returns the k best hits in sortHits order. Backends pick arbitrarily
// among equal scores at their cutoff, so the window widens until the k-th
// hit scores strictly above the weakest fetched one or the backend runs
// out. limit caps the window when the backend knows its size (0 = unknown).
// fetch returns the decoded hits and the number of raw results.
func topK(k, limit int, fetch func(n int) ([]Hit, int, error)) ([]Hit, error) {
	n := k + 1
	for {
		if limit > 0 && n > limit {
			n = limit
		}
		hits, got, err := fetch(n)
		if err != nil {
			return nil, err
		}
		sortHits(hits)
		exhausted := got < n || (limit > 0 && n == limit)
		settled := len(hits) > k && hits[k-1].Similarity > hits[len(hits)-1].Similarity
		if exhausted || settled || n > math.MaxInt/2 {
			if len(hits) > k {
				hits = hits[:k]
			}
			return hits, nil
		}
		n *= 2
	}
}

// sequencer hands out strictly increasing insertion numbers that also
// increase across restarts.
type sequencer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (s *sequencer) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

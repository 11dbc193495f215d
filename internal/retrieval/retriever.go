// Package retrieval selects few-shot examples that are relevant to an intent
// while covering a spread of structural complexity and query shape.
//
// Selection runs in three steps:
//
//  1. Pull a candidate pool of the PoolSize nearest examples.
//  2. Split the pool into equal-width complexity buckets.
//  3. Visit buckets round-robin. Each visit takes the candidate with the best
//     maximal-marginal-relevance score: Lambda times its similarity to the
//     intent, minus (1-Lambda) times its highest signature overlap with
//     anything already selected.
//
// Given the same pool the output is fully deterministic.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/exampleindex"
	"github.com/fyrsmithlabs/sqlrecall/internal/similarity"
)

var tracer = otel.Tracer("sqlrecall.retrieval")

// Retriever picks diverse examples from an exampleindex.Index.
type Retriever struct {
	index  exampleindex.Index
	cfg    config.RetrievalConfig
	logger *zap.Logger
}

// New creates a Retriever. cfg is validated here.
func New(index exampleindex.Index, cfg config.RetrievalConfig, logger *zap.Logger) (*Retriever, error) {
	if index == nil {
		return nil, errors.New("index is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{index: index, cfg: cfg, logger: logger}, nil
}

// Retrieve returns at most n examples for intent. Index failures are
// returned unchanged so callers can decide whether to degrade.
func (r *Retriever) Retrieve(ctx context.Context, intent string, n int) ([]exampleindex.Hit, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("n", n), attribute.Int("pool_size", r.cfg.PoolSize))

	if n <= 0 {
		return []exampleindex.Hit{}, nil
	}

	pool, err := r.index.Query(ctx, intent, r.cfg.PoolSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying example pool: %w", err)
	}

	selected := Select(pool, n, r.cfg.Buckets, r.cfg.Lambda)

	r.logger.Debug("examples selected",
		zap.Int("pool", len(pool)),
		zap.Int("requested", n),
		zap.Int("selected", len(selected)),
	)
	span.SetAttributes(attribute.Int("selected", len(selected)))
	span.SetStatus(codes.Ok, "success")
	return selected, nil
}

// candidate is a pool entry with its precomputed signature tokens.
type candidate struct {
	hit    exampleindex.Hit
	rank   int
	tokens map[string]struct{}
}

// Select runs stratified MMR over a pool ordered by descending similarity.
func Select(pool []exampleindex.Hit, n, buckets int, lambda float64) []exampleindex.Hit {
	if n <= 0 || len(pool) == 0 {
		return []exampleindex.Hit{}
	}
	if buckets < 1 {
		buckets = 1
	}

	scores := make([]float64, len(pool))
	for i, h := range pool {
		scores[i] = h.Example.Metadata.ComplexityScore
	}

	strata := make([][]candidate, buckets)
	for i, b := range Stratify(scores, buckets) {
		strata[b] = append(strata[b], candidate{
			hit:    pool[i],
			rank:   i,
			tokens: similarity.SignatureTokens(pool[i].Example.Metadata.PatternSignature),
		})
	}

	limit := min(n, len(pool))
	selected := make([]candidate, 0, limit)
	for len(selected) < limit {
		for b := range strata {
			if len(strata[b]) == 0 {
				continue
			}
			best := pickMMR(strata[b], selected, lambda)
			selected = append(selected, strata[b][best])
			strata[b] = append(strata[b][:best], strata[b][best+1:]...)
			if len(selected) == limit {
				break
			}
		}
	}

	out := make([]exampleindex.Hit, len(selected))
	for i, c := range selected {
		out[i] = c.hit
	}
	return out
}

// pickMMR returns the index in bucket of the highest MMR score. Candidates
// keep pool order within a bucket, so the first maximum wins ties by rank.
func pickMMR(bucket, selected []candidate, lambda float64) int {
	best, bestScore := 0, math.Inf(-1)
	for i, c := range bucket {
		redundancy := 0.0
		for _, s := range selected {
			redundancy = max(redundancy, similarity.Jaccard(c.tokens, s.tokens))
		}
		score := lambda*c.hit.Similarity - (1-lambda)*redundancy
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// Stratify assigns each score to one of b equal-width buckets spanning
// [min, max]. Buckets are closed on the right: the maximum lands in the last
// bucket and a score on an interior boundary lands in the lower one. When all
// scores are equal everything lands in bucket 0.
func Stratify(scores []float64, b int) []int {
	out := make([]int, len(scores))
	if len(scores) == 0 || b <= 1 {
		return out
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = min(lo, s)
		hi = max(hi, s)
	}
	if hi == lo {
		return out
	}
	span := hi - lo
	for i, s := range scores {
		pos := (s - lo) * float64(b) / span
		idx := int(math.Ceil(pos)) - 1
		out[i] = max(0, min(idx, b-1))
	}
	return out
}

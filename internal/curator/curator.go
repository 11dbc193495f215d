// Package curator keeps a bounded, deduplicated store of confirmed query
// fixes for each database.
//
// Every database gets its own Curator backed by its own SQLite file. A save
// is rejected as a duplicate when an existing fix's intent is at least
// DedupThreshold similar. When a save pushes the store over Cap, it is
// pruned back to floor(PruneFloorRatio * Cap) in the same transaction as the
// insert: unused fixes go first, oldest first, then the oldest of the rest.
//
// Mutations on one Curator are serialized by its own lock. Curators for
// different databases share nothing.
package curator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
	"github.com/fyrsmithlabs/sqlrecall/internal/similarity"
	"github.com/fyrsmithlabs/sqlrecall/internal/taxonomy"
)

var tracer = otel.Tracer("sqlrecall.curator")

// Weights for reranking by table overlap when a query names tables.
const (
	intentWeight = 0.7
	tableWeight  = 0.3
)

// Option configures a Curator.
type Option func(*Curator)

// WithClock overrides the time source used for confirmed_at.
func WithClock(now func() time.Time) Option {
	return func(c *Curator) { c.now = now }
}

// WithTaxonomy labels saved fixes' error tags with categories.
func WithTaxonomy(t *taxonomy.Taxonomy) Option {
	return func(c *Curator) { c.taxonomy = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Curator) {
		if l != nil {
			c.logger = l
		}
	}
}

// Curator manages one database's confirmed fixes.
type Curator struct {
	dbID     string
	store    *Store
	embedder embeddings.Embedder
	cfg      config.CuratorConfig
	taxonomy *taxonomy.Taxonomy
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New creates a Curator over an open store. The Curator owns store.
func New(dbID string, store *Store, embedder embeddings.Embedder, cfg config.CuratorConfig, opts ...Option) (*Curator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Curator{
		dbID:     dbID,
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		taxonomy: taxonomy.New(nil),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("db_id", dbID))
	return c, nil
}

// DatabaseID returns the database this Curator serves.
func (c *Curator) DatabaseID() string { return c.dbID }

// Save stores candidate unless an existing fix already covers its intent.
// The intent is embedded before the lock is taken. Embedding and storage
// failures are returned; nothing is stored in that case.
func (c *Curator) Save(ctx context.Context, candidate FixCandidate) (SaveResult, error) {
	ctx, span := tracer.Start(ctx, "Curator.Save")
	defer span.End()
	span.SetAttributes(attribute.String("db_id", c.dbID))

	if err := candidate.Validate(); err != nil {
		return SaveResult{}, err
	}

	vec, err := c.embedder.EmbedQuery(ctx, candidate.Intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SaveResult{}, fmt.Errorf("embedding intent: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SaveResult{}, ErrClosed
	}

	existing, err := c.store.All(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SaveResult{}, err
	}

	best, bestID := -1.0, ""
	for _, fix := range existing {
		if sim := similarity.Cosine(vec, fix.embedding); sim > best {
			best, bestID = sim, fix.ID
		}
	}
	if bestID != "" && best >= c.cfg.DedupThreshold {
		recordSave(c.dbID, OutcomeDuplicate)
		c.logger.Debug("duplicate fix skipped", zap.String("matched_id", bestID), zap.Float64("similarity", best))
		span.SetAttributes(attribute.String("outcome", string(OutcomeDuplicate)))
		span.SetStatus(codes.Ok, "duplicate")
		return SaveResult{Outcome: OutcomeDuplicate, MatchedID: bestID, Similarity: best}, nil
	}

	fix := ConfirmedFix{
		ID:           uuid.New().String(),
		Intent:       candidate.Intent,
		CorrectedSQL: candidate.CorrectedSQL,
		ErrorSQL:     candidate.ErrorSQL,
		Explanation:  candidate.Explanation,
		Tables:       candidate.Tables,
		ErrorTags:    candidate.ErrorTags,
		Categories:   c.taxonomy.Categories(candidate.ErrorTags),
		ConfirmedAt:  c.now().UTC(),
		embedding:    vec,
	}
	if len(fix.Categories) == 0 {
		fix.Categories = nil
	}
	pruned, err := c.store.InsertAndPrune(ctx, fix, c.cfg.Cap, c.cfg.PruneFloor())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SaveResult{}, err
	}
	recordSave(c.dbID, OutcomeInserted)
	if pruned > 0 {
		recordPruned(c.dbID, pruned)
		c.logger.Info("confirmed fixes pruned", zap.Int("removed", pruned), zap.Int("floor", c.cfg.PruneFloor()))
	}

	result := SaveResult{Outcome: OutcomeInserted, ID: fix.ID, Similarity: max(best, 0), Pruned: pruned}
	setStored(c.dbID, len(existing)+1-result.Pruned)

	c.logger.Debug("fix saved", zap.String("id", fix.ID), zap.Int("pruned", result.Pruned))
	span.SetAttributes(attribute.String("outcome", string(OutcomeInserted)), attribute.Int("pruned", result.Pruned))
	span.SetStatus(codes.Ok, "inserted")
	return result, nil
}

// FindOption narrows a FindSimilar call.
type FindOption func(*findOptions)

type findOptions struct {
	tables []string
}

// WithTables reranks matches by blending intent similarity with the overlap
// between tables and each fix's tables. Without it, stored tables play no
// part in ranking.
func WithTables(tables ...string) FindOption {
	return func(o *findOptions) { o.tables = tables }
}

// FindSimilar returns up to limit fixes whose intent similarity is at least
// RetrieveThreshold, best first; equal similarities list the older fix
// first. Each returned fix's usage count is incremented.
func (c *Curator) FindSimilar(ctx context.Context, intent string, limit int, opts ...FindOption) ([]ScoredFix, error) {
	ctx, span := tracer.Start(ctx, "Curator.FindSimilar")
	defer span.End()
	span.SetAttributes(attribute.String("db_id", c.dbID), attribute.Int("limit", limit))

	if limit <= 0 {
		return []ScoredFix{}, nil
	}
	var o findOptions
	for _, opt := range opts {
		opt(&o)
	}

	vec, err := c.embedder.EmbedQuery(ctx, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding intent: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	fixes, err := c.store.All(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// fixes are oldest first, so a stable sort keeps older fixes ahead on ties.
	matches := make([]ScoredFix, 0)
	for _, fix := range fixes {
		if sim := similarity.Cosine(vec, fix.embedding); sim >= c.cfg.RetrieveThreshold {
			matches = append(matches, ScoredFix{Fix: fix, Similarity: sim, Score: sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })

	if len(o.tables) > 0 {
		// limit is caller-supplied; compare before multiplying so it cannot overflow.
		if window := len(matches); limit <= window/c.cfg.LookupMultiplier {
			matches = matches[:limit*c.cfg.LookupMultiplier]
		}
		wanted := similarity.Set(o.tables...)
		for i := range matches {
			overlap := similarity.Jaccard(wanted, similarity.Set(matches[i].Fix.Tables...))
			matches[i].Score = intentWeight*matches[i].Similarity + tableWeight*overlap
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	}
	matches = matches[:min(len(matches), limit)]

	ids := make([]string, len(matches))
	for i := range matches {
		ids[i] = matches[i].Fix.ID
		matches[i].Fix.UsageCount++
	}
	if err := c.store.IncrementUsage(ctx, ids); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")
	return matches, nil
}

// Prune evicts fixes down to the prune floor and returns how many were
// removed. A store at or below the floor is left untouched.
func (c *Curator) Prune(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Curator.Prune")
	defer span.End()
	span.SetAttributes(attribute.String("db_id", c.dbID))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	removed, err := c.pruneLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	if n, err := c.store.Count(ctx); err == nil {
		setStored(c.dbID, n)
	}
	span.SetAttributes(attribute.Int("removed", removed))
	span.SetStatus(codes.Ok, "success")
	return removed, nil
}

func (c *Curator) pruneLocked(ctx context.Context) (int, error) {
	removed, err := c.store.PruneTo(ctx, c.cfg.PruneFloor())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		recordPruned(c.dbID, removed)
		c.logger.Info("confirmed fixes pruned", zap.Int("removed", removed), zap.Int("floor", c.cfg.PruneFloor()))
	}
	return removed, nil
}

// Count returns the number of stored fixes.
func (c *Curator) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.store.Count(ctx)
}

// List returns every fix, oldest first.
func (c *Curator) List(ctx context.Context) ([]ConfirmedFix, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.store.All(ctx)
}

// Close closes the underlying store. Further calls return ErrClosed.
func (c *Curator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.store.Close()
}

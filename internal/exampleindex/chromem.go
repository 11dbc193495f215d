package exampleindex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
)

// Metadata keys stored alongside each chromem document.
const (
	metaSQL        = "sql"
	metaDBID       = "db_id"
	metaDifficulty = "difficulty"
	metaSeq        = "seq"
	metaAnalysis   = "metadata"
)

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemIndex is an Index backed by an embedded chromem-go database.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embeddings.Embedder
	logger     *zap.Logger
	seq        *sequencer
	name       string
}

// NewChromemIndex opens or creates the configured collection.
func NewChromemIndex(cfg ChromemConfig, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", cfg.Collection, err)
	}

	logger.Info("chromem example index initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.String("collection", cfg.Collection),
		zap.Int("examples", collection.Count()),
	)

	return &ChromemIndex{
		db:         db,
		collection: collection,
		embedder:   embedder,
		logger:     logger,
		seq:        &sequencer{now: time.Now},
		name:       cfg.Collection,
	}, nil
}

// Upsert embeds the intent and stores the example.
func (c *ChromemIndex) Upsert(ctx context.Context, ex Example) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("example_id", ex.ID))

	if err := ex.Validate(); err != nil {
		return err
	}

	vec, err := c.embedder.EmbedQuery(ctx, ex.Intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding intent: %w", err)
	}

	seq := c.existingSeq(ctx, ex.ID)
	if seq == 0 {
		seq = c.seq.next()
	}

	analysis, err := json.Marshal(ex.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	doc := chromem.Document{
		ID:      ex.ID,
		Content: ex.Intent,
		Metadata: map[string]string{
			metaSQL:        ex.SQL,
			metaDBID:       ex.DBID,
			metaDifficulty: ex.Difficulty,
			metaSeq:        strconv.FormatInt(seq, 10),
			metaAnalysis:   string(analysis),
		},
		Embedding: vec,
	}
	if err := c.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// existingSeq returns the stored sequence number for id, or 0.
func (c *ChromemIndex) existingSeq(ctx context.Context, id string) int64 {
	if c.collection.Count() == 0 {
		return 0
	}
	doc, err := c.collection.GetByID(ctx, id)
	if err != nil {
		return 0
	}
	seq, err := strconv.ParseInt(doc.Metadata[metaSeq], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// Query returns up to k examples by descending similarity to text.
func (c *ChromemIndex) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: query text cannot be empty", embeddings.ErrEmptyInput)
	}

	// chromem requires nResults <= doc count
	count := c.collection.Count()
	if count == 0 {
		return []Hit{}, nil
	}

	vec, err := c.embedder.EmbedQuery(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := topK(k, count, func(n int) ([]Hit, int, error) {
		results, err := c.collection.QueryEmbedding(ctx, vec, n, nil, nil)
		if err != nil {
			return nil, 0, err
		}
		hits := make([]Hit, 0, len(results))
		for _, r := range results {
			hit, err := hitFromResult(r)
			if err != nil {
				c.logger.Warn("skipping undecodable example", zap.String("id", r.ID), zap.Error(err))
				continue
			}
			hits = append(hits, hit)
		}
		return hits, len(results), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", c.name, err)
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

func hitFromResult(r chromem.Result) (Hit, error) {
	ex := Example{
		ID:         r.ID,
		Intent:     r.Content,
		SQL:        r.Metadata[metaSQL],
		DBID:       r.Metadata[metaDBID],
		Difficulty: r.Metadata[metaDifficulty],
	}
	if raw := r.Metadata[metaAnalysis]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &ex.Metadata); err != nil {
			return Hit{}, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	seq, _ := strconv.ParseInt(r.Metadata[metaSeq], 10, 64)
	return Hit{Example: ex, Similarity: float64(r.Similarity), seq: seq}, nil
}

// Count returns the number of stored examples.
func (c *ChromemIndex) Count(_ context.Context) (int, error) {
	return c.collection.Count(), nil
}

// Close releases the index. chromem persists on every write.
func (c *ChromemIndex) Close() error {
	c.logger.Info("chromem example index closed")
	return nil
}

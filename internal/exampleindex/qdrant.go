package exampleindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/sqlrecall/internal/embeddings"
)

// pointNamespace derives stable point UUIDs from example ids, so re-ingesting
// a dataset overwrites instead of duplicating.
var pointNamespace = uuid.MustParse("6f1c3c1e-52b4-4d8e-9a55-2f7d0c1b8e21")

// QdrantConfig configures the Qdrant-backed index.
type QdrantConfig struct {
	Host       string
	Port       int
	UseTLS     bool
	APIKey     string
	Collection string
	VectorSize int
	// MaxMessageSize bounds gRPC messages. Defaults to 50MB.
	MaxMessageSize int
	Retry          embeddings.RetryPolicy
}

// Validate checks the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return errors.New("qdrant host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("qdrant port must be in 1..65535, got %d", c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.VectorSize)
	}
	return ValidateCollectionName(c.Collection)
}

// QdrantIndex is an Index backed by Qdrant's native gRPC client.
type QdrantIndex struct {
	client   *qdrant.Client
	config   QdrantConfig
	embedder embeddings.Embedder
	logger   *zap.Logger
	seq      *sequencer
}

// NewQdrantIndex connects to Qdrant and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, embedder embeddings.Embedder, logger *zap.Logger) (*QdrantIndex, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 50 * 1024 * 1024
	}
	if !cfg.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant connection to %s:%d is unencrypted\n", cfg.Host, cfg.Port)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	idx := &QdrantIndex{
		client:   client,
		config:   cfg,
		embedder: embedder,
		logger:   logger,
		seq:      &sequencer{now: time.Now},
	}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(healthCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: qdrant health check: %v", embeddings.ErrCollectionUnavailable, err)
	}
	if err := idx.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("qdrant example index initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return idx, nil
}

// IsTransientError reports whether a gRPC failure is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	_, err := embeddings.Do(ctx, q.config.Retry, IsTransientError, func(ctx context.Context) (struct{}, error) {
		_, err := q.client.GetCollectionInfo(ctx, q.config.Collection)
		if err == nil {
			return struct{}{}, nil
		}
		if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
			return struct{}{}, err
		}
		return struct{}{}, q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(q.config.VectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if err != nil {
		return fmt.Errorf("ensuring collection %s: %w", q.config.Collection, err)
	}
	return nil
}

// PointID returns the Qdrant point UUID for an example id.
func PointID(exampleID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(exampleID)).String()
}

// Upsert embeds the intent and stores the example.
func (q *QdrantIndex) Upsert(ctx context.Context, ex Example) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("example_id", ex.ID))

	if err := ex.Validate(); err != nil {
		return err
	}

	vec, err := q.embedder.EmbedQuery(ctx, ex.Intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("embedding intent: %w", err)
	}

	pointID := PointID(ex.ID)
	seq, err := q.existingSeq(ctx, pointID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if seq == 0 {
		seq = q.seq.next()
	}

	payload, err := examplePayload(ex, seq)
	if err != nil {
		return err
	}

	_, err = embeddings.Do(ctx, q.config.Retry, IsTransientError, func(ctx context.Context) (*qdrant.UpdateResult, error) {
		return q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.config.Collection,
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(pointID),
				Vectors: qdrant.NewVectors(vec...),
				Payload: payload,
			}},
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting example %s: %w", ex.ID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (q *QdrantIndex) existingSeq(ctx context.Context, pointID string) (int64, error) {
	points, err := embeddings.Do(ctx, q.config.Retry, IsTransientError, func(ctx context.Context) ([]*qdrant.RetrievedPoint, error) {
		return q.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: q.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(pointID)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("looking up point %s: %w", pointID, err)
	}
	if len(points) == 0 {
		return 0, nil
	}
	if v, ok := points[0].GetPayload()[metaSeq]; ok {
		return v.GetIntegerValue(), nil
	}
	return 0, nil
}

// Query returns up to k examples by descending similarity to text.
func (q *QdrantIndex) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: query text cannot be empty", embeddings.ErrEmptyInput)
	}

	vec, err := q.embedder.EmbedQuery(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	hits, err := topK(k, 0, func(n int) ([]Hit, int, error) {
		points, err := embeddings.Do(ctx, q.config.Retry, IsTransientError, func(ctx context.Context) ([]*qdrant.ScoredPoint, error) {
			return q.client.Query(ctx, &qdrant.QueryPoints{
				CollectionName: q.config.Collection,
				Query:          qdrant.NewQuery(vec...),
				Limit:          qdrant.PtrOf(uint64(n)),
				WithPayload:    qdrant.NewWithPayload(true),
			})
		})
		if err != nil {
			return nil, 0, err
		}
		hits := make([]Hit, 0, len(points))
		for _, p := range points {
			hit, err := exampleFromPayload(p.GetPayload())
			if err != nil {
				q.logger.Warn("skipping undecodable example", zap.Error(err))
				continue
			}
			hit.Similarity = float64(p.GetScore())
			hits = append(hits, hit)
		}
		return hits, len(points), nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", q.config.Collection, err)
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Count returns the exact number of stored examples.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	n, err := embeddings.Do(ctx, q.config.Retry, IsTransientError, func(ctx context.Context) (uint64, error) {
		return q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: q.config.Collection,
			Exact:          qdrant.PtrOf(true),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("counting collection %s: %w", q.config.Collection, err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("closing qdrant client: %w", err)
	}
	q.logger.Info("qdrant example index closed")
	return nil
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

// examplePayload encodes ex as a Qdrant payload.
func examplePayload(ex Example, seq int64) (map[string]*qdrant.Value, error) {
	analysis, err := json.Marshal(ex.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return map[string]*qdrant.Value{
		"id":           stringValue(ex.ID),
		"intent":       stringValue(ex.Intent),
		metaSQL:        stringValue(ex.SQL),
		metaDBID:       stringValue(ex.DBID),
		metaDifficulty: stringValue(ex.Difficulty),
		metaAnalysis:   stringValue(string(analysis)),
		metaSeq:        {Kind: &qdrant.Value_IntegerValue{IntegerValue: seq}},
	}, nil
}

// exampleFromPayload decodes a payload written by examplePayload.
func exampleFromPayload(payload map[string]*qdrant.Value) (Hit, error) {
	str := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	ex := Example{
		ID:         str("id"),
		Intent:     str("intent"),
		SQL:        str(metaSQL),
		DBID:       str(metaDBID),
		Difficulty: str(metaDifficulty),
	}
	if ex.ID == "" {
		return Hit{}, errors.New("payload has no example id")
	}
	if raw := str(metaAnalysis); raw != "" {
		if err := json.Unmarshal([]byte(raw), &ex.Metadata); err != nil {
			return Hit{}, fmt.Errorf("decoding metadata for %s: %w", ex.ID, err)
		}
	}
	var seq int64
	if v, ok := payload[metaSeq]; ok {
		seq = v.GetIntegerValue()
	}
	return Hit{Example: ex, seq: seq}, nil
}

package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds retries of backend calls.
type RetryPolicy struct {
	// MaxAttempts includes the first call. Defaults to 3.
	MaxAttempts int
	// InitialInterval is the first backoff delay. Defaults to 200ms.
	InitialInterval time.Duration
	// MaxInterval caps a single delay. Defaults to 5s.
	MaxInterval time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	return p
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsRetryable classifies provider errors. Input and configuration errors,
// client-side HTTP statuses and caller cancellation are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidConfig) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

// Do runs op under policy. Retryable failures that outlast the budget are
// reported wrapped in ErrCollectionUnavailable; final errors pass through.
func Do[T any](ctx context.Context, policy RetryPolicy, classify func(error) bool, op func(context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()
	if classify == nil {
		classify = IsRetryable
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	var lastErr error
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil {
			lastErr = err
			if !classify(err) {
				return v, backoff.Permanent(err)
			}
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(policy.MaxAttempts)))
	if err == nil {
		return res, nil
	}

	if lastErr != nil && !classify(lastErr) {
		return res, lastErr
	}
	if lastErr == nil {
		lastErr = err
	}
	return res, fmt.Errorf("%w: %v", ErrCollectionUnavailable, lastErr)
}

// Retrying wraps a Provider with bounded retries.
type Retrying struct {
	Provider
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *Metrics
}

// NewRetrying wraps p.
func NewRetrying(p Provider, policy RetryPolicy, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{
		Provider: p,
		policy:   policy.withDefaults(),
		logger:   logger,
		metrics:  NewMetrics(logger),
	}
}

// EmbedQuery embeds text, retrying transient failures.
func (r *Retrying) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	attempt := 0
	vec, err := Do(ctx, r.policy, nil, func(ctx context.Context) ([]float32, error) {
		attempt++
		if attempt > 1 {
			r.metrics.RecordRetry(ctx, "embed_query")
		}
		return r.Provider.EmbedQuery(ctx, text)
	})
	if err != nil && errors.Is(err, ErrCollectionUnavailable) {
		r.logger.Warn("embedding backend unavailable", zap.Int("attempts", attempt), zap.Error(err))
	}
	return vec, err
}

// EmbedDocuments embeds texts, retrying transient failures.
func (r *Retrying) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	attempt := 0
	vecs, err := Do(ctx, r.policy, nil, func(ctx context.Context) ([][]float32, error) {
		attempt++
		if attempt > 1 {
			r.metrics.RecordRetry(ctx, "embed_documents")
		}
		return r.Provider.EmbedDocuments(ctx, texts)
	})
	if err != nil && errors.Is(err, ErrCollectionUnavailable) {
		r.logger.Warn("embedding backend unavailable", zap.Int("attempts", attempt), zap.Error(err))
	}
	return vecs, err
}

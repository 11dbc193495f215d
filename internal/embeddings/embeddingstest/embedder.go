// Package embeddingstest provides deterministic embedders for tests.
package embeddingstest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrUnavailable is returned by Flaky while it is failing.
var ErrUnavailable = errors.New("embedding backend down")

// Semantic is a bag-of-words embedder: texts sharing words get similar
// vectors. Output is unit length and stable across runs.
type Semantic struct {
	Size int
}

// NewSemantic creates a Semantic embedder with the given dimension.
func NewSemantic(size int) *Semantic {
	return &Semantic{Size: size}
}

// EmbedDocuments embeds every text.
func (e *Semantic) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embed(text)
	}
	return out, nil
}

// EmbedQuery embeds one text.
func (e *Semantic) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

// Dimension returns the vector size.
func (e *Semantic) Dimension() int { return e.Size }

// Close is a no-op.
func (e *Semantic) Close() error { return nil }

func (e *Semantic) embed(text string) []float32 {
	vec := make([]float32, e.Size)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		idx := int(h.Sum32() % uint32(e.Size))
		// Spread each word over a few dimensions.
		for offset := 0; offset < 3; offset++ {
			vec[(idx+offset*7)%e.Size] += 1
		}
	}
	return Normalize(vec)
}

// Normalize scales v to unit length. A zero vector becomes a unit basis vector.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		if len(v) > 0 {
			v[0] = 1
		}
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}

// Fixed returns registered vectors for known texts and falls back to a
// Semantic embedding otherwise. It lets tests pin exact cosine values.
type Fixed struct {
	mu       sync.RWMutex
	vectors  map[string][]float32
	fallback *Semantic
}

// NewFixed creates a Fixed embedder of the given dimension.
func NewFixed(size int) *Fixed {
	return &Fixed{vectors: make(map[string][]float32), fallback: NewSemantic(size)}
}

// Set registers the vector returned for text.
func (e *Fixed) Set(text string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vec
}

// EmbedDocuments embeds every text.
func (e *Fixed) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, _ := e.EmbedQuery(ctx, text)
		out[i] = v
	}
	return out, nil
}

// EmbedQuery embeds one text.
func (e *Fixed) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	v, ok := e.vectors[text]
	e.mu.RUnlock()
	if ok {
		return append([]float32(nil), v...), nil
	}
	return e.fallback.embed(text), nil
}

// Dimension returns the vector size.
func (e *Fixed) Dimension() int { return e.fallback.Size }

// Close is a no-op.
func (e *Fixed) Close() error { return nil }

// Angled returns a 2-D unit vector whose cosine with (1,0) is cos, padded
// with zeros to size. Handy for building pairs with an exact similarity.
func Angled(cos float64, size int) []float32 {
	v := make([]float32, size)
	v[0] = float32(cos)
	v[1] = float32(math.Sqrt(math.Max(0, 1-cos*cos)))
	return v
}

type embedder interface {
	EmbedDocuments(context.Context, []string) ([][]float32, error)
	EmbedQuery(context.Context, string) ([]float32, error)
}

// Flaky fails the first Failures calls, then delegates to Next.
type Flaky struct {
	Next     embedder
	Failures int32
	calls    atomic.Int32
}

// Calls returns how many calls were made.
func (e *Flaky) Calls() int { return int(e.calls.Load()) }

// EmbedDocuments fails while the failure budget lasts.
func (e *Flaky) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if e.calls.Add(1) <= e.Failures {
		return nil, ErrUnavailable
	}
	return e.Next.EmbedDocuments(ctx, texts)
}

// EmbedQuery fails while the failure budget lasts.
func (e *Flaky) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.calls.Add(1) <= e.Failures {
		return nil, ErrUnavailable
	}
	return e.Next.EmbedQuery(ctx, text)
}

// Dimension is not meaningful for Flaky.
func (e *Flaky) Dimension() int { return 0 }

// Close is a no-op.
func (e *Flaky) Close() error { return nil }

// Package similarity holds the vector and set similarity measures shared by
// retrieval and the confirmed-fix curator.
package similarity

import (
	"math"
	"strings"
)

// Cosine returns the cosine similarity of a and b in [-1,1]. Mismatched
// lengths and zero vectors yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets are identical (1.0); an
// empty set against a non-empty one shares nothing (0).
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for k := range small {
		if _, ok := large[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// SignatureTokens splits a pattern signature on "-" into a token set.
// Empty tokens are dropped.
func SignatureTokens(sig string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.Split(sig, "-") {
		if tok = strings.TrimSpace(tok); tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	return tokens
}

// Set builds a token set from values.
func Set(values ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Package analyzer computes structural fingerprints of parsed SQL queries.
//
// An Analyzer walks a sqlast tree once, records clause tags in first-seen
// order and accumulates the seven scoring metrics. The weighted, bounded sum
// of those metrics is the complexity score used to stratify few-shot
// candidates; the clause sequence is the pattern signature used to measure
// structural diversity.
package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/sqlrecall/internal/config"
	"github.com/fyrsmithlabs/sqlrecall/internal/sqlast"
)

var (
	// ErrParseInput is returned for an empty or malformed tree.
	ErrParseInput = errors.New("malformed query tree")

	// ErrConfig is returned when scoring configuration is invalid.
	ErrConfig = config.ErrConfig
)

const hashPrefix = "HASH_"

// Analyzer scores syntax trees. It is immutable and safe for concurrent use.
type Analyzer struct {
	metrics   map[string]config.MetricConfig
	maxSigLen int
}

// New creates an Analyzer, rejecting invalid scoring configuration.
func New(cfg config.ScoringConfig) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics := make(map[string]config.MetricConfig, len(cfg.Metrics))
	for name, m := range cfg.Metrics {
		metrics[name] = m
	}
	return &Analyzer{
		metrics:   metrics,
		maxSigLen: cfg.SignatureMaxLen,
	}, nil
}

// Analyze fingerprints a tree. A nil or malformed tree fails with
// ErrParseInput before any scoring happens.
func (a *Analyzer) Analyze(root *sqlast.Node) (*QueryMetadata, error) {
	if err := sqlast.Validate(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParseInput, err)
	}

	w := &walker{seen: make(map[ClauseTag]bool)}
	w.walk(root)

	meta := &QueryMetadata{
		PatternSignature: a.signature(w.order),
		ClausesPresent:   w.present(),
		NumJoins:         w.counts[counterJoins],
		NumSubqueries:    w.counts[counterSubqueries],
		NumPredicates:    w.counts[counterPredicates],
		NumTables:        w.counts[counterTables],
		NumBooleanOps:    w.counts[counterBooleanOps],
		NumAggregates:    w.counts[counterAggregates],
		NestingDepth:     w.maxDepth,
	}
	meta.ComplexityScore = a.Score(meta)
	return meta, nil
}

// Score computes the weighted, bounded complexity score of counts in meta.
func (a *Analyzer) Score(meta *QueryMetadata) float64 {
	var score float64
	for _, name := range config.Metrics {
		m := a.metrics[name]
		score += m.Weight * math.Min(float64(meta.Count(name))/m.Bound, 1.0)
	}
	// Weights may sum to 1.0 within tolerance.
	return math.Max(0, math.Min(1, score))
}

// signature joins tags, hashing the result when it exceeds the length bound.
func (a *Analyzer) signature(tags []ClauseTag) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	sig := strings.Join(parts, SignatureSeparator)
	if len(sig) <= a.maxSigLen {
		return sig
	}
	sum := sha256.Sum256([]byte(sig))
	return hashPrefix + hex.EncodeToString(sum[:])[:16]
}

// IsHashed reports whether a signature was replaced by its hash.
func IsHashed(signature string) bool {
	return strings.HasPrefix(signature, hashPrefix)
}

type counter uint8

const (
	counterNone counter = iota
	counterJoins
	counterSubqueries
	counterPredicates
	counterTables
	counterBooleanOps
	counterAggregates
	numCounters
)

// rule is the contribution of one node kind.
type rule struct {
	tag     func(*sqlast.Node) ClauseTag
	counter counter
	// scope marks kinds that open a SELECT nesting level.
	scope bool
}

func fixed(tag ClauseTag) func(*sqlast.Node) ClauseTag {
	return func(*sqlast.Node) ClauseTag { return tag }
}

func joinTag(n *sqlast.Node) ClauseTag {
	switch n.JoinType {
	case sqlast.JoinLeft:
		return ClauseLeftJoin
	case sqlast.JoinInner:
		return ClauseInnerJoin
	case sqlast.JoinRight:
		return ClauseRightJoin
	case sqlast.JoinFull:
		return ClauseFullJoin
	case sqlast.JoinCross:
		return ClauseCrossJoin
	}
	return ClauseJoin
}

// rules is the kind dispatch table. Kinds absent from it contribute nothing.
var rules = map[sqlast.Kind]rule{
	sqlast.KindSelect:     {tag: fixed(ClauseSelect), scope: true},
	sqlast.KindFrom:       {tag: fixed(ClauseFrom)},
	sqlast.KindJoin:       {tag: joinTag, counter: counterJoins},
	sqlast.KindWhere:      {tag: fixed(ClauseWhere)},
	sqlast.KindGroupBy:    {tag: fixed(ClauseGroupBy)},
	sqlast.KindHaving:     {tag: fixed(ClauseHaving)},
	sqlast.KindOrderBy:    {tag: fixed(ClauseOrderBy)},
	sqlast.KindLimit:      {tag: fixed(ClauseLimit)},
	sqlast.KindOffset:     {tag: fixed(ClauseOffset)},
	sqlast.KindCTE:        {tag: fixed(ClauseCTE), counter: counterSubqueries},
	sqlast.KindSubquery:   {tag: fixed(ClauseSubquery), counter: counterSubqueries},
	sqlast.KindUnion:      {tag: fixed(ClauseUnion)},
	sqlast.KindIntersect:  {tag: fixed(ClauseIntersect)},
	sqlast.KindExcept:     {tag: fixed(ClauseExcept)},
	sqlast.KindTable:      {counter: counterTables},
	sqlast.KindComparison: {counter: counterPredicates},
	sqlast.KindAnd:        {counter: counterBooleanOps},
	sqlast.KindOr:         {counter: counterBooleanOps},
	sqlast.KindNot:        {counter: counterBooleanOps},
	sqlast.KindAggregate:  {counter: counterAggregates},
}

type walker struct {
	seen     map[ClauseTag]bool
	order    []ClauseTag
	counts   [numCounters]int
	depth    int
	maxDepth int
}

// walk visits n depth first. Clause tags are recorded on entry so the
// signature reads in source order; counters accumulate on exit.
func (w *walker) walk(n *sqlast.Node) {
	r, ok := rules[n.Kind]
	if ok && r.scope {
		w.depth++
		if w.depth > w.maxDepth {
			w.maxDepth = w.depth
		}
	}
	if ok && r.tag != nil {
		if tag := r.tag(n); !w.seen[tag] {
			w.seen[tag] = true
			w.order = append(w.order, tag)
		}
	}

	for _, c := range n.Children {
		w.walk(c)
	}

	if ok {
		if r.counter != counterNone {
			w.counts[r.counter]++
		}
		if r.scope {
			w.depth--
		}
	}
}

func (w *walker) present() []ClauseTag {
	out := append(make([]ClauseTag, 0, len(w.order)), w.order...)
	slices.Sort(out)
	return out
}

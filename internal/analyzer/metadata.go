package analyzer

import "github.com/fyrsmithlabs/sqlrecall/internal/config"

// ClauseTag names a clause-level construct seen in a query.
type ClauseTag string

// Clause tags.
const (
	ClauseSelect    ClauseTag = "SELECT"
	ClauseFrom      ClauseTag = "FROM"
	ClauseJoin      ClauseTag = "JOIN"
	ClauseLeftJoin  ClauseTag = "LEFT JOIN"
	ClauseInnerJoin ClauseTag = "INNER JOIN"
	ClauseRightJoin ClauseTag = "RIGHT JOIN"
	ClauseFullJoin  ClauseTag = "FULL JOIN"
	ClauseCrossJoin ClauseTag = "CROSS JOIN"
	ClauseWhere     ClauseTag = "WHERE"
	ClauseGroupBy   ClauseTag = "GROUP BY"
	ClauseHaving    ClauseTag = "HAVING"
	ClauseOrderBy   ClauseTag = "ORDER BY"
	ClauseLimit     ClauseTag = "LIMIT"
	ClauseOffset    ClauseTag = "OFFSET"
	ClauseCTE       ClauseTag = "CTE"
	ClauseSubquery  ClauseTag = "SUBQUERY"
	ClauseUnion     ClauseTag = "UNION"
	ClauseIntersect ClauseTag = "INTERSECT"
	ClauseExcept    ClauseTag = "EXCEPT"
)

// SignatureSeparator joins clause tags in a pattern signature.
const SignatureSeparator = "-"

// QueryMetadata is the structural fingerprint of one analyzed statement.
// It is created once and never mutated.
type QueryMetadata struct {
	ComplexityScore  float64     `json:"complexity_score"`
	PatternSignature string      `json:"pattern_signature"`
	ClausesPresent   []ClauseTag `json:"clauses_present,omitempty"`
	NumJoins         int         `json:"num_joins"`
	NumSubqueries    int         `json:"num_subqueries"`
	NumPredicates    int         `json:"num_predicates"`
	NumTables        int         `json:"num_tables"`
	NumBooleanOps    int         `json:"num_boolean_ops"`
	NumAggregates    int         `json:"num_aggregates"`
	NestingDepth     int         `json:"nesting_depth"`
}

// Count returns the raw count behind a scoring metric.
func (m *QueryMetadata) Count(metric string) int {
	switch metric {
	case config.MetricNesting:
		return m.NestingDepth
	case config.MetricJoins:
		return m.NumJoins
	case config.MetricSubqueries:
		return m.NumSubqueries
	case config.MetricPredicates:
		return m.NumPredicates
	case config.MetricTables:
		return m.NumTables
	case config.MetricBooleanOps:
		return m.NumBooleanOps
	case config.MetricAggregates:
		return m.NumAggregates
	}
	return 0
}

// Difficulty labels for corpus reports and logs.
const (
	DifficultySimple      = "simple"
	DifficultyModerate    = "moderate"
	DifficultyChallenging = "challenging"
)

// Difficulty buckets a complexity score into a coarse label.
func Difficulty(score float64) string {
	switch {
	case score < 0.33:
		return DifficultySimple
	case score < 0.66:
		return DifficultyModerate
	default:
		return DifficultyChallenging
	}
}

package curator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidFix is returned for candidates missing required fields.
	ErrInvalidFix = errors.New("invalid fix")

	// ErrClosed is returned by a curator after Close.
	ErrClosed = errors.New("curator is closed")
)

// Outcome is the result of a save.
type Outcome string

const (
	// OutcomeInserted means a new fix was stored.
	OutcomeInserted Outcome = "inserted"
	// OutcomeDuplicate means an existing fix already covers the intent.
	// It is a normal outcome, not an error.
	OutcomeDuplicate Outcome = "duplicate"
)

// FixCandidate is a fix proposed for storage.
type FixCandidate struct {
	Intent       string   `json:"intent"`
	CorrectedSQL string   `json:"corrected_sql"`
	ErrorSQL     string   `json:"error_sql"`
	Explanation  string   `json:"explanation"`
	Tables       []string `json:"tables,omitempty"`
	ErrorTags    []string `json:"error_tags,omitempty"`
}

// Validate checks required fields.
func (c FixCandidate) Validate() error {
	if c.Intent == "" {
		return fmt.Errorf("%w: intent is required", ErrInvalidFix)
	}
	if c.CorrectedSQL == "" {
		return fmt.Errorf("%w: corrected_sql is required", ErrInvalidFix)
	}
	return nil
}

// ConfirmedFix is a stored fix.
type ConfirmedFix struct {
	ID           string    `json:"id"`
	Intent       string    `json:"intent"`
	CorrectedSQL string    `json:"corrected_sql"`
	ErrorSQL     string    `json:"error_sql"`
	Explanation  string    `json:"explanation"`
	Tables       []string  `json:"tables,omitempty"`
	ErrorTags    []string  `json:"error_tags,omitempty"`
	Categories   []string  `json:"categories,omitempty"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
	UsageCount   int       `json:"usage_count"`

	embedding []float32
	seq       int64
}

// ScoredFix is a FindSimilar match.
type ScoredFix struct {
	Fix        ConfirmedFix `json:"fix"`
	Similarity float64      `json:"similarity"`
	// Score is the ranking score: the similarity, or a blend with table
	// overlap when the query named tables.
	Score float64 `json:"score"`
}

// SaveResult reports what Save did.
type SaveResult struct {
	Outcome Outcome `json:"outcome"`
	// ID is the new fix id when inserted.
	ID string `json:"id,omitempty"`
	// MatchedID is the existing fix that made this save a duplicate.
	MatchedID string `json:"matched_id,omitempty"`
	// Similarity is the highest intent similarity to an existing fix.
	Similarity float64 `json:"similarity"`
	// Pruned counts fixes evicted because the insert overflowed the cap.
	Pruned int `json:"pruned,omitempty"`
}

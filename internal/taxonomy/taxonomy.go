// Package taxonomy labels error tags with coarse error categories.
//
// Tags look like "join.missing_condition" or "schema-wrong_column"; the
// leading segment selects the category. Labels are informational only and
// never influence retrieval.
package taxonomy

import (
	"slices"
	"strings"
)

// CategoryOther is returned for tags with no known prefix.
const CategoryOther = "other"

// Taxonomy maps tag prefixes to categories. It is immutable after New.
type Taxonomy struct {
	categories map[string]string
}

// New builds a Taxonomy from a prefix to category map.
func New(categories map[string]string) *Taxonomy {
	m := make(map[string]string, len(categories))
	for prefix, category := range categories {
		m[strings.ToLower(prefix)] = category
	}
	return &Taxonomy{categories: m}
}

// Categorize returns the category for a tag, or CategoryOther.
func (t *Taxonomy) Categorize(tag string) string {
	if category, ok := t.categories[prefixOf(tag)]; ok {
		return category
	}
	return CategoryOther
}

// Categories returns the sorted, unique categories for tags.
func (t *Taxonomy) Categories(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		c := t.Categorize(tag)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

func prefixOf(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, ".-_:/"); i >= 0 {
		return tag[:i]
	}
	return tag
}

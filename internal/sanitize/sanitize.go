// Package sanitize turns database identifiers into names that are safe to
// use as file names and collection names.
//
// Sanitized names match ^[a-z0-9_]{1,64}$, the constraint shared by chromem,
// Qdrant and the per-database SQLite files.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length of a sanitized name.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of the "_<8 hex>" suffix.
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier sanitizes s: lowercase, invalid runes become underscores,
// repeated underscores collapse, and leading or trailing ones are trimmed.
// Results longer than MaxIdentifierLength are truncated with a hash suffix.
//
//	"concert_singer" -> "concert_singer"
//	"Car-1.v2"       -> "car_1_v2"
//	"" or "!!!"      -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = withHash(out[:MaxIdentifierLength-HashSuffixLength], out)
	}
	return out
}

// StoreName maps a database id to a unique storage name. Ids that are
// already valid identifiers are returned unchanged. Any id that sanitization
// alters gets a suffix hashed from the original, so "Pets" and "pets" do not
// share a store.
func StoreName(dbID string) string {
	name := Identifier(dbID)
	if name == dbID {
		return name
	}
	base := name
	if len(base) > MaxIdentifierLength-HashSuffixLength {
		base = base[:MaxIdentifierLength-HashSuffixLength]
	}
	return withHash(base, dbID)
}

func withHash(base, source string) string {
	sum := sha256.Sum256([]byte(source))
	return strings.TrimRight(base, "_") + "_" + hex.EncodeToString(sum[:])[:HashSuffixLength-1]
}

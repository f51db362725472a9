package queue

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// DedupKey derives a stable key from the natural identifiers of a unit of
// work (artist+title, source URL, catalog id). Parts are lowercased and
// inner whitespace is collapsed so cosmetic differences ("Miles  Davis" vs
// "miles davis") map to the same key.
func DedupKey(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	if len(normalized) == 0 {
		return ""
	}

	sum := sha1.Sum([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])
}

// Slugify builds a URL slug from the same natural identifiers, used to key
// downstream content rows.
func Slugify(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		for _, r := range strings.ToLower(strings.TrimSpace(p)) {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				b.WriteRune(r)
			case r == ' ', r == '-', r == '_', r == '/':
				b.WriteRune('-')
			}
		}
		b.WriteRune('-')
	}

	slug := strings.Trim(b.String(), "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	return slug
}

package concept

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalizer folds case, decomposes accents, and strips combining marks
// so that visually equivalent titles produce the same key.
var normalizer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	cases.Lower(language.Und),
	norm.NFC,
)

// EquivalenceKey derives the concept-equivalence key for a piece of
// text: a stable signature under case, accent, punctuation, and
// whitespace variation. Two items with the same key are treated as the
// same business concept.
func EquivalenceKey(text string) string {
	folded, _, err := transform.String(normalizer, text)
	if err != nil {
		folded = strings.ToLower(text)
	}

	var b strings.Builder
	lastSpace := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	canonical := strings.TrimSpace(b.String())

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}

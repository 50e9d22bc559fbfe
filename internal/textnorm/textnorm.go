// Package textnorm folds free-form utterances into a comparable lower-case form
// and splits them into word tokens. Cue matching and guidance retrieval share it
// so both see the same vocabulary.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'", "`", "'")

// Normalize strips diacritics, case-folds and canonicalises apostrophes.
// Invalid UTF-8 is replaced rather than rejected.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToValidUTF8(text, " ")
	// Casers and chains keep state, so each call builds its own.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, text)
	if err != nil {
		out = strings.ToLower(text)
	}
	return apostrophes.Replace(out)
}

// Tokens returns the word tokens of an already normalised string. Apostrophes
// are kept inside words ("don't") and trimmed at the edges.
func Tokens(normalized string) []string {
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Split normalises text and returns its tokens.
func Split(text string) []string {
	return Tokens(Normalize(text))
}

// Jaccard is the token-set overlap of two token lists, in [0,1].
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

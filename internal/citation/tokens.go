package citation

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "is": {}, "in": {}, "on": {},
	"for": {}, "and": {}, "to": {}, "with": {}, "et": {}, "al": {}, "by": {},
}

// Tokenize lowercases s and splits it on punctuation, whitespace, case
// changes and letter/digit boundaries, so "vaswani2017Attention" and
// "Vaswani_2017_attention" yield the same tokens.
func Tokenize(s string) []string {
	var (
		tokens []string
		cur    []rune
		prev   rune
	)
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			if len(cur) > 0 && (unicode.IsDigit(prev) || (unicode.IsUpper(r) && unicode.IsLower(prev))) {
				flush()
			}
			cur = append(cur, r)
		case unicode.IsDigit(r):
			if len(cur) > 0 && unicode.IsLetter(prev) {
				flush()
			}
			cur = append(cur, r)
		default:
			flush()
		}
		prev = r
	}
	flush()
	return tokens
}

// contentTokens drops stopwords and deduplicates, keeping order.
func contentTokens(s string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range Tokenize(s) {
		if _, stop := stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Overlap returns the share of query tokens found in the target text.
func Overlap(query, target string) float64 {
	q := contentTokens(query)
	if len(q) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, t := range contentTokens(target) {
		set[t] = struct{}{}
	}
	hits := 0
	for _, t := range q {
		if _, ok := set[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(q))
}

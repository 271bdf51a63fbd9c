package citation

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// citeExpr matches natbib and biblatex citation commands, \nocite included.
var citeExpr = regexp.MustCompile(`\\(?:(?:no)?cite[a-zA-Z]*|[pP]arencite|[tT]extcite|[aA]utocite|[fF]ootcite|fullcite)\*?(?:\[[^\]]*\]){0,2}\{([^}]*)\}`)

// Keys extracts citation keys from \cite-family commands in text, in order of
// first appearance.
func Keys(text string) []string {
	seen := map[string]struct{}{}
	var keys []string
	for _, m := range citeExpr.FindAllStringSubmatch(text, -1) {
		for _, k := range strings.Split(m[1], ",") {
			k = strings.TrimSpace(k)
			if k == "" || k == "*" {
				continue
			}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}

// Strip removes the given keys from citation commands, dropping commands left
// without keys.
func Strip(text string, remove []string) string {
	if len(remove) == 0 {
		return text
	}
	drop := make(map[string]struct{}, len(remove))
	for _, k := range remove {
		drop[k] = struct{}{}
	}
	return citeExpr.ReplaceAllStringFunc(text, func(cmd string) string {
		m := citeExpr.FindStringSubmatch(cmd)
		var kept []string
		for _, k := range strings.Split(m[1], ",") {
			k = strings.TrimSpace(k)
			if _, gone := drop[k]; k == "" || gone {
				continue
			}
			kept = append(kept, k)
		}
		if len(kept) == 0 {
			return ""
		}
		open := strings.LastIndex(cmd, "{")
		return cmd[:open] + "{" + strings.Join(kept, ",") + "}"
	})
}

// MintKey builds a stable key from the first three title words, the first
// author's surname and the year, e.g. Attention_Is_All_Vaswani_2017.
func MintKey(title string, authors []string, year int) string {
	var parts []string
	for _, w := range strings.FieldsFunc(title, notAlnum) {
		if len(parts) == 3 {
			break
		}
		parts = append(parts, capitalize(w))
	}
	if len(authors) > 0 {
		if surname := surnameOf(authors[0]); surname != "" {
			parts = append(parts, capitalize(surname))
		}
	}
	if year > 0 {
		parts = append(parts, strconv.Itoa(year))
	}
	if len(parts) == 0 {
		return "Untitled"
	}
	return strings.Join(parts, "_")
}

func surnameOf(author string) string {
	author = strings.TrimSpace(author)
	if i := strings.Index(author, ","); i > 0 {
		author = author[:i]
	} else if fields := strings.Fields(author); len(fields) > 0 {
		author = fields[len(fields)-1]
	}
	return strings.Join(strings.FieldsFunc(author, notAlnum), "")
}

func notAlnum(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func capitalize(w string) string {
	rs := []rune(strings.ToLower(w))
	if len(rs) == 0 {
		return ""
	}
	rs[0] = unicode.ToUpper(rs[0])
	return string(rs)
}

// SortedUnique returns keys sorted and deduplicated.
func SortedUnique(keys []string) []string {
	set := map[string]struct{}{}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Protect applies fn to the text between citation commands, leaving the
// commands and their keys untouched.
func Protect(text string, fn func(string) string) string {
	var b strings.Builder
	last := 0
	for _, loc := range citeExpr.FindAllStringIndex(text, -1) {
		b.WriteString(fn(text[last:loc[0]]))
		b.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(fn(text[last:]))
	return b.String()
}

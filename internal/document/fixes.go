package document

import (
	"regexp"
	"strings"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
)

// Fix is an automatic repair triggered by a compiler diagnostic.
type Fix struct {
	Name    string
	Matches func(diagnostic string) bool
	Apply   func(text string) string
}

func contains(substrs ...string) func(string) bool {
	return func(d string) bool {
		for _, s := range substrs {
			if strings.Contains(d, s) {
				return true
			}
		}
		return false
	}
}

// escapeUnescaped returns a repair that escapes bare occurrences of ch
// outside citation commands.
func escapeUnescaped(ch string) func(string) string {
	bare := regexp.MustCompile(`(^|[^\\])` + regexp.QuoteMeta(ch))
	return func(text string) string {
		return citation.Protect(text, func(seg string) string {
			// Applied twice so adjacent occurrences are both caught.
			for i := 0; i < 2; i++ {
				seg = bare.ReplaceAllString(seg, "${1}\\"+ch)
			}
			return seg
		})
	}
}

// balanceBraces drops unmatched closing braces and closes unmatched opening
// ones at the end of the text.
func balanceBraces(text string) string {
	var (
		b     strings.Builder
		depth int
	)
	runes := []rune(text)
	for i, r := range runes {
		escaped := i > 0 && runes[i-1] == '\\'
		switch {
		case r == '{' && !escaped:
			depth++
		case r == '}' && !escaped:
			if depth == 0 {
				continue
			}
			depth--
		}
		b.WriteRune(r)
	}
	return b.String() + strings.Repeat("}", depth)
}

// DefaultFixes covers the diagnostics LLM-written LaTeX produces most often.
var DefaultFixes = []Fix{
	{
		Name:    "escape-ampersand",
		Matches: contains("Misplaced alignment tab character &"),
		Apply:   escapeUnescaped("&"),
	},
	{
		Name:    "escape-underscore",
		Matches: contains("Missing $ inserted"),
		Apply:   escapeUnescaped("_"),
	},
	{
		Name:    "escape-hash",
		Matches: contains("macro parameter character #", "Illegal parameter number"),
		Apply:   escapeUnescaped("#"),
	},
	{
		Name:    "escape-percent",
		Matches: contains("File ended while scanning", "Paragraph ended before"),
		Apply:   escapeUnescaped("%"),
	},
	{
		Name:    "balance-braces",
		Matches: contains("Missing } inserted", "Extra }", "Runaway argument", "File ended while scanning"),
		Apply:   balanceBraces,
	},
}

// applyFixes runs every fix matching any diagnostic over the draft's title
// and sections, returning the new draft and the names of fixes that changed
// something.
func applyFixes(d domain.Draft, fixes []Fix, diagnostics []string) (domain.Draft, []string) {
	var applied []string
	out := d
	out.Sections = append([]domain.Section(nil), d.Sections...)
	for _, fix := range fixes {
		matched := false
		for _, diag := range diagnostics {
			if fix.Matches(diag) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		changed := false
		for i, s := range out.Sections {
			fixed := fix.Apply(s.Content)
			if fixed != s.Content {
				out.Sections[i].Content = fixed
				changed = true
			}
		}
		if changed {
			applied = append(applied, fix.Name)
		}
	}
	return out, applied
}

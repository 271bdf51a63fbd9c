// Package document renders drafts to LaTeX and drives compilation with
// bounded automatic fixes.
package document

import (
	"fmt"
	"strconv"
	"strings"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
)

var escaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`&`, `\&`,
	`%`, `\%`,
	`$`, `\$`,
	`#`, `\#`,
	`_`, `\_`,
	`{`, `\{`,
	`}`, `\}`,
	`~`, `\textasciitilde{}`,
	`^`, `\textasciicircum{}`,
)

// Escape makes plain text safe for LaTeX.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Render produces a standalone LaTeX document. Section bodies are emitted as
// written; titles, headings and bibliography fields are escaped. Only keys
// the draft cites appear in the bibliography, in order of first citation.
func Render(d domain.Draft, records []domain.EvidenceRecord) string {
	byKey := make(map[string]domain.EvidenceRecord, len(records))
	for _, r := range records {
		byKey[r.Key] = r
	}

	var b strings.Builder
	b.WriteString("\\documentclass[11pt]{article}\n")
	b.WriteString("\\usepackage[utf8]{inputenc}\n")
	b.WriteString("\\usepackage[T1]{fontenc}\n\n")
	fmt.Fprintf(&b, "\\title{%s}\n", Escape(d.Title))
	b.WriteString("\\date{}\n\n\\begin{document}\n\\maketitle\n\n")

	for _, s := range d.Sections {
		fmt.Fprintf(&b, "\\section{%s}\n%s\n\n", Escape(s.Heading), strings.TrimSpace(s.Content))
	}

	keys := citation.Keys(d.Text())
	var cited []domain.EvidenceRecord
	for _, k := range keys {
		if r, ok := byKey[k]; ok {
			cited = append(cited, r)
		}
	}
	if len(cited) > 0 {
		fmt.Fprintf(&b, "\\begin{thebibliography}{%d}\n", len(cited))
		for _, r := range cited {
			fmt.Fprintf(&b, "\\bibitem{%s} %s\n", r.Key, bibEntry(r))
		}
		b.WriteString("\\end{thebibliography}\n\n")
	}
	b.WriteString("\\end{document}\n")
	return b.String()
}

func bibEntry(r domain.EvidenceRecord) string {
	var parts []string
	if len(r.Authors) > 0 {
		parts = append(parts, Escape(strings.Join(r.Authors, ", "))+".")
	}
	parts = append(parts, "\\newblock \\emph{"+Escape(r.Title)+"}.")
	var tail []string
	if r.Source != "" {
		tail = append(tail, Escape(r.Source))
	}
	if r.Year > 0 {
		tail = append(tail, strconv.Itoa(r.Year))
	}
	if len(tail) > 0 {
		parts = append(parts, "\\newblock "+strings.Join(tail, ", ")+".")
	}
	if r.URL != "" {
		parts = append(parts, "\\newblock \\texttt{"+Escape(r.URL)+"}")
	}
	return strings.Join(parts, " ")
}

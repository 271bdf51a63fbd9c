package domain

import (
	"strings"
	"time"
)

// Section is one ordered part of a draft.
type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// Draft is an immutable document version. Revisions append a new version.
type Draft struct {
	Version   int       `json:"version"`
	Parent    int       `json:"parent,omitempty"`
	Title     string    `json:"title"`
	Sections  []Section `json:"sections"`
	Citations []string  `json:"citations"`
	// TriggeredBy is the verdict that produced this revision, kept for audit.
	TriggeredBy *AggregateVerdict `json:"triggered_by,omitempty"`
	Incomplete  bool              `json:"incomplete,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Text concatenates all section bodies.
func (d Draft) Text() string {
	var b strings.Builder
	for _, s := range d.Sections {
		b.WriteString(s.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// Outline renders headings and bodies for prompts.
func (d Draft) Outline() string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString("# ")
		b.WriteString(d.Title)
		b.WriteString("\n\n")
	}
	for _, s := range d.Sections {
		b.WriteString("## ")
		b.WriteString(s.Heading)
		b.WriteString("\n")
		b.WriteString(s.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}

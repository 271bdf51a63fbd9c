package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
)

// ExtractJSON returns the outermost JSON object in text, tolerating code
// fences and prose around it.
func ExtractJSON(text string) ([]byte, bool) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		}
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	return []byte(text[start : end+1]), true
}

func decodeAnswer(answer string, v any) *Rejection {
	raw, ok := ExtractJSON(answer)
	if !ok {
		return Reject("answer is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return Reject("answer JSON does not match the schema", err.Error())
	}
	return nil
}

// PlanParser accepts {"thesis": ..., "claims": [...]} with an acyclic
// dependency graph.
func PlanParser() Parser[domain.ArgumentMap] {
	return func(_ context.Context, answer string) (domain.ArgumentMap, error) {
		var m domain.ArgumentMap
		if rej := decodeAnswer(answer, &m); rej != nil {
			return m, rej
		}
		if err := m.Validate(); err != nil {
			return m, Reject("argument map is invalid", err.Error())
		}
		return m, nil
	}
}

type draftAnswer struct {
	Title    string           `json:"title"`
	Sections []domain.Section `json:"sections"`
}

// DraftParser accepts {"title": ..., "sections": [{"heading","content"}]}
// whose citation keys all resolve against a fresh bibliography snapshot.
// A draft with unresolved keys is rejected but kept as a partial result.
func DraftParser(gate citation.Gate, minCitations int) Parser[domain.Draft] {
	return func(ctx context.Context, answer string) (domain.Draft, error) {
		var a draftAnswer
		if rej := decodeAnswer(answer, &a); rej != nil {
			return domain.Draft{}, rej
		}
		var sections []domain.Section
		for _, s := range a.Sections {
			if strings.TrimSpace(s.Content) == "" {
				continue
			}
			sections = append(sections, s)
		}
		if len(sections) == 0 {
			return domain.Draft{}, Reject("draft has no non-empty sections")
		}
		d := domain.Draft{Title: strings.TrimSpace(a.Title), Sections: sections}
		d.Citations = citation.Keys(d.Text())

		res, _, err := gate.Check(ctx, d.Citations)
		if err != nil {
			return domain.Draft{}, err
		}
		if !res.OK() {
			details := make([]string, 0, len(res.Invalid))
			for _, key := range res.Invalid {
				line := fmt.Sprintf("unknown citation key %q", key)
				if sugg := res.Suggestions[key]; len(sugg) > 0 {
					alts := make([]string, 0, len(sugg))
					for _, s := range sugg {
						alts = append(alts, s.Key)
					}
					line += "; did you mean " + strings.Join(alts, ", ")
				}
				details = append(details, line)
			}
			return d, &Rejection{Reason: "draft cites keys missing from the bibliography", Details: details, Partial: true}
		}
		if minCitations > 0 && len(d.Citations) < minCitations {
			return d, &Rejection{
				Reason:  "draft is under-cited",
				Details: []string{fmt.Sprintf("found %d distinct citations, need at least %d", len(d.Citations), minCitations)},
				Partial: true,
			}
		}
		return d, nil
	}
}

type verdictAnswer struct {
	Outcome  string `json:"outcome"`
	Findings []struct {
		Category    string `json:"category"`
		ClaimID     string `json:"claim_id"`
		CitationKey string `json:"citation_key"`
		Description string `json:"description"`
	} `json:"findings"`
	Suggestions []domain.ReferenceSuggestion `json:"suggestions"`
}

var knownCategories = map[domain.FindingCategory]struct{}{
	domain.FindingUnderCitation:          {},
	domain.FindingMissingCounterArgument: {},
	domain.FindingInvalidCitation:        {},
	domain.FindingUnsupportedCitation:    {},
	domain.FindingClarity:                {},
	domain.FindingStructure:              {},
	domain.FindingOther:                  {},
}

// VerdictParser accepts {"outcome": ..., "findings": [...], "suggestions": [...]}.
// Free text without a recognised outcome is rejected.
func VerdictParser(reviewer string) Parser[domain.Verdict] {
	return func(_ context.Context, answer string) (domain.Verdict, error) {
		var a verdictAnswer
		if rej := decodeAnswer(answer, &a); rej != nil {
			return domain.Verdict{}, rej
		}
		outcome, err := domain.ParseOutcome(a.Outcome)
		if err != nil {
			return domain.Verdict{}, Reject("verdict outcome must be ACCEPT, MINOR_REVISIONS, MAJOR_REVISIONS or REJECT", err.Error())
		}
		v := domain.Verdict{Reviewer: reviewer, Outcome: outcome, Suggestions: a.Suggestions}
		for _, f := range a.Findings {
			if strings.TrimSpace(f.Description) == "" {
				continue
			}
			cat := domain.FindingCategory(strings.ToLower(strings.TrimSpace(f.Category)))
			if _, ok := knownCategories[cat]; !ok {
				cat = domain.FindingOther
			}
			v.Findings = append(v.Findings, domain.Finding{
				Reviewer:    reviewer,
				Category:    cat,
				ClaimID:     f.ClaimID,
				CitationKey: f.CitationKey,
				Description: f.Description,
			})
		}
		if outcome != domain.OutcomeAccept && len(v.Findings) == 0 {
			return v, Reject("a non-accepting verdict must list at least one finding")
		}
		return v, nil
	}
}

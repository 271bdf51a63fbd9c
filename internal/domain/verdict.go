package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Outcome is a reviewer's decision.
type Outcome string

const (
	OutcomeAccept         Outcome = "ACCEPT"
	OutcomeMinorRevisions Outcome = "MINOR_REVISIONS"
	OutcomeMajorRevisions Outcome = "MAJOR_REVISIONS"
	OutcomeReject         Outcome = "REJECT"
)

// Severity orders outcomes: REJECT > MAJOR_REVISIONS > MINOR_REVISIONS > ACCEPT.
func (o Outcome) Severity() int {
	switch o {
	case OutcomeAccept:
		return 0
	case OutcomeMinorRevisions:
		return 1
	case OutcomeMajorRevisions:
		return 2
	case OutcomeReject:
		return 3
	}
	return -1
}

// ParseOutcome normalizes spelling variants such as "minor revisions".
func ParseOutcome(s string) (Outcome, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	o := Outcome(norm)
	if o.Severity() < 0 {
		return "", fmt.Errorf("unknown verdict outcome %q", s)
	}
	return o, nil
}

// FindingCategory drives how the revision controller phrases an action.
type FindingCategory string

const (
	FindingUnderCitation          FindingCategory = "under_citation"
	FindingMissingCounterArgument FindingCategory = "missing_counter_argument"
	FindingInvalidCitation        FindingCategory = "invalid_citation"
	FindingUnsupportedCitation    FindingCategory = "unsupported_citation"
	FindingClarity                FindingCategory = "clarity"
	FindingStructure              FindingCategory = "structure"
	FindingOther                  FindingCategory = "other"
	FindingReviewerTimeout        FindingCategory = "reviewer_timeout"
	FindingNoReviewer             FindingCategory = "no_reviewer"
)

// Finding is one reviewer remark.
type Finding struct {
	Reviewer    string          `json:"reviewer,omitempty"`
	Category    FindingCategory `json:"category"`
	ClaimID     string          `json:"claim_id,omitempty"`
	CitationKey string          `json:"citation_key,omitempty"`
	Description string          `json:"description"`
}

// ReferenceSuggestion is a reviewer's recommended reference.
type ReferenceSuggestion struct {
	Query  string `json:"query,omitempty"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verdict is one reviewer's structured output for one round.
type Verdict struct {
	Reviewer    string                `json:"reviewer"`
	Outcome     Outcome               `json:"outcome"`
	Findings    []Finding             `json:"findings,omitempty"`
	Suggestions []ReferenceSuggestion `json:"suggestions,omitempty"`
	Incomplete  bool                  `json:"incomplete,omitempty"`
}

// AggregationPolicy selects how verdicts combine.
type AggregationPolicy string

const (
	// AggregateConservative accepts only when every reviewer accepts;
	// otherwise the most severe outcome wins.
	AggregateConservative AggregationPolicy = "conservative"
	// AggregateMajority accepts when more than half accept; otherwise the
	// most frequent non-accept outcome wins, ties going to the more severe.
	AggregateMajority AggregationPolicy = "majority"
)

// ParseAggregationPolicy defaults to conservative.
func ParseAggregationPolicy(s string) (AggregationPolicy, error) {
	switch AggregationPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case AggregateConservative, "":
		return AggregateConservative, nil
	case AggregateMajority:
		return AggregateMajority, nil
	}
	return "", fmt.Errorf("unknown aggregation policy %q", s)
}

// AggregateVerdict is the combined judgment of one review round.
type AggregateVerdict struct {
	Outcome     Outcome               `json:"outcome"`
	Policy      AggregationPolicy     `json:"policy"`
	Findings    []Finding             `json:"findings,omitempty"`
	Suggestions []ReferenceSuggestion `json:"suggestions,omitempty"`
	Verdicts    []Verdict             `json:"verdicts,omitempty"`
	Round       int                   `json:"round,omitempty"`
}

// NoReviewerFinding is attached when no reviewer produced a verdict.
const NoReviewerFinding = "no reviewer completed"

// Aggregate combines verdicts. The result does not depend on input order:
// verdicts are sorted by reviewer before findings are unioned. Findings are
// not deduplicated.
func Aggregate(verdicts []Verdict, policy AggregationPolicy) AggregateVerdict {
	if policy == "" {
		policy = AggregateConservative
	}
	if len(verdicts) == 0 {
		return AggregateVerdict{
			Outcome: OutcomeMajorRevisions,
			Policy:  policy,
			Findings: []Finding{{
				Category:    FindingNoReviewer,
				Description: NoReviewerFinding,
			}},
		}
	}

	sorted := append([]Verdict(nil), verdicts...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Reviewer < sorted[j].Reviewer })

	agg := AggregateVerdict{Policy: policy, Verdicts: sorted}
	for _, v := range sorted {
		for _, f := range v.Findings {
			if f.Reviewer == "" {
				f.Reviewer = v.Reviewer
			}
			agg.Findings = append(agg.Findings, f)
		}
		agg.Suggestions = append(agg.Suggestions, v.Suggestions...)
	}

	switch policy {
	case AggregateMajority:
		agg.Outcome = majorityOutcome(sorted)
	default:
		agg.Outcome = WorstOutcome(sorted)
	}
	return agg
}

// WorstOutcome returns ACCEPT only if every verdict accepts.
func WorstOutcome(verdicts []Verdict) Outcome {
	worst := OutcomeAccept
	for _, v := range verdicts {
		if v.Outcome.Severity() > worst.Severity() {
			worst = v.Outcome
		}
	}
	return worst
}

func majorityOutcome(verdicts []Verdict) Outcome {
	counts := map[Outcome]int{}
	for _, v := range verdicts {
		counts[v.Outcome]++
	}
	if counts[OutcomeAccept]*2 > len(verdicts) {
		return OutcomeAccept
	}
	best := OutcomeMinorRevisions
	for _, o := range []Outcome{OutcomeMinorRevisions, OutcomeMajorRevisions, OutcomeReject} {
		if counts[o] > counts[best] || (counts[o] == counts[best] && o.Severity() > best.Severity()) {
			best = o
		}
	}
	return best
}

// Escalate raises the aggregate outcome to at least o and appends findings.
func (a AggregateVerdict) Escalate(o Outcome, findings ...Finding) AggregateVerdict {
	if o.Severity() > a.Outcome.Severity() {
		a.Outcome = o
	}
	a.Findings = append(append([]Finding(nil), a.Findings...), findings...)
	return a
}

package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ResearchWriter/internal/agent"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/tools"
)

const reviewerSystem = `You are a rigorous peer reviewer of research writing.
Check every claim against the argument map, verify citations with validate_citations and query_library,
and look for missing counter-arguments. You may not modify the bibliography.
Reply with a single JSON object:
{"outcome": "ACCEPT|MINOR_REVISIONS|MAJOR_REVISIONS|REJECT",
 "findings": [{"category": "under_citation|missing_counter_argument|invalid_citation|unsupported_citation|clarity|structure|other",
               "claim_id": "...", "citation_key": "...", "description": "..."}],
 "suggestions": [{"query": "...", "key": "...", "reason": "..."}]}`

// AgentRunner reviews through an agent loop restricted to read-only tools.
type AgentRunner struct {
	Loop          *agent.Loop
	Model         string
	Temperature   float32
	MaxIterations int
	CallTimeout   time.Duration
}

var _ Runner = AgentRunner{}

// Run executes one reviewer loop. A reviewer that never produces a
// schema-valid verdict counts as MAJOR_REVISIONS and is flagged incomplete.
func (r AgentRunner) Run(ctx context.Context, in Input) (Outcome, error) {
	r = r.tuned(in.Tuning)
	res, err := agent.Run(ctx, r.Loop, agent.Request[domain.Verdict]{
		Role:          agent.RoleReviewer,
		System:        reviewerSystem,
		Instruction:   Instruction(in),
		Tools:         tools.ReadOnlyTools,
		MaxIterations: r.MaxIterations,
		CallTimeout:   r.CallTimeout,
		Temperature:   r.Temperature,
		Model:         r.Model,
		Parse:         agent.VerdictParser(in.Reviewer),
	})
	out := Outcome{Usage: res.Usage, Iterations: res.Iterations}
	if err != nil {
		return out, err
	}
	if res.Incomplete {
		out.Verdict = domain.Verdict{
			Reviewer: in.Reviewer,
			Outcome:  domain.OutcomeMajorRevisions,
			Findings: []domain.Finding{{
				Reviewer:    in.Reviewer,
				Category:    domain.FindingOther,
				Description: "reviewer did not produce a schema-valid verdict",
			}},
			Incomplete: true,
		}
		return out, nil
	}
	out.Verdict = res.Output
	return out, nil
}

func (r AgentRunner) tuned(t Tuning) AgentRunner {
	if t.Model != "" {
		r.Model = t.Model
	}
	if t.MaxIterations > 0 {
		r.MaxIterations = t.MaxIterations
	}
	if t.CallTimeout > 0 {
		r.CallTimeout = t.CallTimeout
	}
	return r
}

// Instruction renders the reviewer's context bundle.
func Instruction(in Input) string {
	var b strings.Builder
	if in.SelfCritique {
		b.WriteString("Critique your own draft before it goes to external review.\n\n")
	} else {
		fmt.Fprintf(&b, "You are %s. Review round %d.\n\n", in.Reviewer, in.Round)
	}
	fmt.Fprintf(&b, "Thesis: %s\n\nClaims:\n", in.Arguments.Thesis)
	for _, c := range in.Arguments.Claims {
		fmt.Fprintf(&b, "- [%s] %s\n", c.ID, c.Text)
		for _, ca := range c.CounterArguments {
			fmt.Fprintf(&b, "    counter-argument: %s\n", ca)
		}
	}
	fmt.Fprintf(&b, "\nDraft version %d:\n\n%s", in.Draft.Version, in.Draft.Outline())
	if len(in.Draft.Citations) > 0 {
		fmt.Fprintf(&b, "\nCited keys: %s\n", strings.Join(in.Draft.Citations, ", "))
	}
	return b.String()
}

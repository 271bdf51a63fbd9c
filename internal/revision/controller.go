// Package revision turns an aggregate verdict into the next draft version.
package revision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ResearchWriter/internal/agent"
	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/tools"
)

const reviserSystem = `You revise research drafts in response to peer review.
Work through every requested action. Use discover_papers and add_paper to obtain new evidence,
fuzzy_cite to repair citation keys, and validate_citations before answering.
Cite only keys that exist in the bibliography, using \cite{key}.
Reply with a single JSON object: {"title": "...", "sections": [{"heading": "...", "content": "..."}]}`

// Config tunes the reviser loop.
type Config struct {
	Model         string
	Temperature   float32
	MaxIterations int
	CallTimeout   time.Duration
	MinCitations  int
}

// Result is a candidate draft for the next review round.
type Result struct {
	Draft      domain.Draft
	Actions    []string
	Usage      domain.Usage
	Iterations int
	Incomplete bool
}

// Controller runs the reviser. It never decides acceptance.
type Controller struct {
	loop   *agent.Loop
	gate   citation.Gate
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewController builds a controller.
func NewController(loop *agent.Loop, gate citation.Gate, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		loop:   loop,
		gate:   gate,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(zap.String("component", "revision")),
	}
}

// With returns a controller whose non-zero cfg fields replace c's.
func (c *Controller) With(cfg Config) *Controller {
	next := *c
	if cfg.Model != "" {
		next.cfg.Model = cfg.Model
	}
	if cfg.Temperature > 0 {
		next.cfg.Temperature = cfg.Temperature
	}
	if cfg.MaxIterations > 0 {
		next.cfg.MaxIterations = cfg.MaxIterations
	}
	if cfg.CallTimeout > 0 {
		next.cfg.CallTimeout = cfg.CallTimeout
	}
	if cfg.MinCitations > 0 {
		next.cfg.MinCitations = cfg.MinCitations
	}
	return &next
}

// Revise produces version prev.Version+1. The previous draft is untouched;
// the new one records its parent and the verdict that triggered it.
func (c *Controller) Revise(ctx context.Context, prev domain.Draft, verdict domain.AggregateVerdict, args domain.ArgumentMap) (Result, error) {
	actions := Actions(verdict)
	res, err := agent.Run(ctx, c.loop, agent.Request[domain.Draft]{
		Role:          agent.RoleReviser,
		System:        reviserSystem,
		Instruction:   instruction(prev, actions, args),
		Tools:         tools.WriteTools,
		MaxIterations: c.cfg.MaxIterations,
		CallTimeout:   c.cfg.CallTimeout,
		Temperature:   c.cfg.Temperature,
		Model:         c.cfg.Model,
		Parse:         agent.DraftParser(c.gate, c.cfg.MinCitations),
	})
	out := Result{Actions: actions, Usage: res.Usage, Iterations: res.Iterations, Incomplete: res.Incomplete}
	if err != nil {
		return out, fmt.Errorf("revise draft v%d: %w", prev.Version, err)
	}

	next := res.Output
	next.Version = prev.Version + 1
	next.Parent = prev.Version
	if next.Title == "" {
		next.Title = prev.Title
	}
	trigger := verdict
	next.TriggeredBy = &trigger
	next.Incomplete = res.Incomplete
	next.CreatedAt = c.now().UTC()
	out.Draft = next

	c.logger.Info("revision produced",
		zap.Int("version", next.Version),
		zap.Int("actions", len(actions)),
		zap.Int("iterations", res.Iterations),
		zap.Bool("incomplete", res.Incomplete))
	return out, nil
}

// Actions maps each finding, and each suggested reference, to an instruction
// for the reviser.
func Actions(verdict domain.AggregateVerdict) []string {
	actions := make([]string, 0, len(verdict.Findings)+len(verdict.Suggestions))
	for _, f := range verdict.Findings {
		actions = append(actions, action(f))
	}
	for _, s := range verdict.Suggestions {
		switch {
		case s.Key != "":
			actions = append(actions, fmt.Sprintf("consider citing existing key %s (%s)", s.Key, s.Reason))
		case s.Query != "":
			actions = append(actions, fmt.Sprintf("search for and add a reference on %q (%s)", s.Query, s.Reason))
		}
	}
	return actions
}

func action(f domain.Finding) string {
	claim := f.ClaimID
	if claim == "" {
		claim = "the affected claim"
	}
	switch f.Category {
	case domain.FindingUnderCitation:
		return fmt.Sprintf("add supporting citations near claim %s: %s", claim, f.Description)
	case domain.FindingMissingCounterArgument:
		return fmt.Sprintf("introduce and address opposing evidence for claim %s: %s", claim, f.Description)
	case domain.FindingInvalidCitation:
		return fmt.Sprintf("replace key %s using fuzzy lookup: %s", keyOr(f.CitationKey), f.Description)
	case domain.FindingUnsupportedCitation:
		return fmt.Sprintf("verify that %s supports claim %s or replace it: %s", keyOr(f.CitationKey), claim, f.Description)
	case domain.FindingReviewerTimeout, domain.FindingNoReviewer:
		return "a reviewer could not finish; re-check every claim and citation"
	default:
		return "address: " + f.Description
	}
}

func keyOr(key string) string {
	if key == "" {
		return "the flagged citation"
	}
	return key
}

func instruction(prev domain.Draft, actions []string, args domain.ArgumentMap) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Revise draft version %d.\n\nThesis: %s\n\nClaims:\n", prev.Version, args.Thesis)
	for _, c := range args.Claims {
		fmt.Fprintf(&b, "- [%s] %s\n", c.ID, c.Text)
	}
	b.WriteString("\nRequired actions:\n")
	if len(actions) == 0 {
		b.WriteString("- polish the draft; reviewers gave no specific findings\n")
	}
	for i, a := range actions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	b.WriteString("\nCurrent draft:\n\n")
	b.WriteString(prev.Outline())
	return b.String()
}

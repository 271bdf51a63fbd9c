// Package review fans a draft out to concurrent reviewer loops and combines
// their verdicts.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ResearchWriter/internal/domain"
)

// Input is everything one reviewer sees.
type Input struct {
	Reviewer     string
	Draft        domain.Draft
	Arguments    domain.ArgumentMap
	Round        int
	SelfCritique bool
	Tuning       Tuning
}

// Tuning overrides a runner's loop limits for one session. Zero fields keep
// the runner's own values.
type Tuning struct {
	Model         string
	MaxIterations int
	CallTimeout   time.Duration
}

// Outcome is one reviewer's contribution.
type Outcome struct {
	Verdict    domain.Verdict
	Usage      domain.Usage
	Iterations int
	TimedOut   bool
}

// Runner reviews a draft once. Implementations must honour ctx.
type Runner interface {
	Run(ctx context.Context, in Input) (Outcome, error)
}

// RoundResult is the combined judgment of one review round.
type RoundResult struct {
	Aggregate domain.AggregateVerdict
	Outcomes  []Outcome
	Usage     domain.Usage
	TimedOut  []string
}

// Config tunes the coordinator.
type Config struct {
	Reviewers int
	Timeout   time.Duration
	Policy    domain.AggregationPolicy
	Tuning    Tuning
}

// Coordinator runs reviewers concurrently and aggregates their verdicts.
type Coordinator struct {
	runner Runner
	cfg    Config
	logger *zap.Logger
}

// NewCoordinator builds a coordinator; Reviewers defaults to one.
func NewCoordinator(runner Runner, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.Reviewers <= 0 {
		cfg.Reviewers = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = domain.AggregateConservative
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{runner: runner, cfg: cfg, logger: logger.With(zap.String("component", "review"))}
}

// With returns a coordinator on the same runner with cfg's non-zero fields
// replacing c's.
func (c *Coordinator) With(cfg Config) *Coordinator {
	next := *c
	if cfg.Reviewers > 0 {
		next.cfg.Reviewers = cfg.Reviewers
	}
	if cfg.Timeout > 0 {
		next.cfg.Timeout = cfg.Timeout
	}
	if cfg.Policy != "" {
		next.cfg.Policy = cfg.Policy
	}
	if cfg.Tuning != (Tuning{}) {
		next.cfg.Tuning = cfg.Tuning
	}
	return &next
}

// ReviewerName is the stable name of reviewer i (zero based).
func ReviewerName(i int) string {
	return fmt.Sprintf("reviewer-%d", i+1)
}

// Review runs every reviewer against draft and waits for all of them to
// finish or time out individually. A reviewer timeout contributes a
// MAJOR_REVISIONS escalation instead of failing the round. Only errors that
// are fatal to the session are returned.
func (c *Coordinator) Review(ctx context.Context, draft domain.Draft, args domain.ArgumentMap, round int) (RoundResult, error) {
	outcomes := make([]Outcome, c.cfg.Reviewers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Reviewers; i++ {
		in := Input{Reviewer: ReviewerName(i), Draft: draft, Arguments: args, Round: round, Tuning: c.cfg.Tuning}
		g.Go(func() error {
			out, err := c.runOne(gctx, in)
			if err != nil {
				return fmt.Errorf("%s: %w", in.Reviewer, err)
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RoundResult{}, err
	}

	res := RoundResult{Outcomes: outcomes}
	var (
		completed []domain.Verdict
		timeouts  []domain.Finding
	)
	for _, out := range outcomes {
		res.Usage = res.Usage.Add(out.Usage)
		if out.TimedOut {
			res.TimedOut = append(res.TimedOut, out.Verdict.Reviewer)
			timeouts = append(timeouts, out.Verdict.Findings...)
			continue
		}
		completed = append(completed, out.Verdict)
	}

	agg := domain.Aggregate(completed, c.cfg.Policy)
	if len(timeouts) > 0 {
		agg = agg.Escalate(domain.OutcomeMajorRevisions, timeouts...)
	}
	agg.Round = round
	res.Aggregate = agg

	c.logger.Info("review round complete",
		zap.Int("round", round),
		zap.String("outcome", string(agg.Outcome)),
		zap.Int("completed", len(completed)),
		zap.Int("timed_out", len(res.TimedOut)),
		zap.Int("findings", len(agg.Findings)))
	return res, nil
}

// Critique runs a single self-critique reviewer. It does not count as a
// review round.
func (c *Coordinator) Critique(ctx context.Context, draft domain.Draft, args domain.ArgumentMap) (Outcome, error) {
	return c.runOne(ctx, Input{Reviewer: "self-critique", Draft: draft, Arguments: args, SelfCritique: true, Tuning: c.cfg.Tuning})
}

func (c *Coordinator) runOne(ctx context.Context, in Input) (Outcome, error) {
	rctx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}
	defer cancel()

	out, err := c.runner.Run(rctx, in)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			c.logger.Warn("reviewer timed out", zap.String("reviewer", in.Reviewer), zap.Duration("timeout", c.cfg.Timeout))
			return timedOut(in.Reviewer, out.Usage), nil
		}
		return Outcome{}, err
	}
	out.Verdict.Reviewer = in.Reviewer
	return out, nil
}

func timedOut(reviewer string, usage domain.Usage) Outcome {
	return Outcome{
		TimedOut: true,
		Usage:    usage,
		Verdict: domain.Verdict{
			Reviewer: reviewer,
			Outcome:  domain.OutcomeMajorRevisions,
			Findings: []domain.Finding{{
				Reviewer:    reviewer,
				Category:    domain.FindingReviewerTimeout,
				Description: "reviewer timeout",
			}},
			Incomplete: true,
		},
	}
}

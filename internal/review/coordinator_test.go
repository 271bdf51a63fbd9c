package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"ResearchWriter/internal/agent"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
	"ResearchWriter/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type runnerFunc func(ctx context.Context, in Input) (Outcome, error)

func (f runnerFunc) Run(ctx context.Context, in Input) (Outcome, error) { return f(ctx, in) }

func verdicts(byReviewer map[string]domain.Outcome) runnerFunc {
	return func(ctx context.Context, in Input) (Outcome, error) {
		o, ok := byReviewer[in.Reviewer]
		if !ok {
			<-ctx.Done()
			return Outcome{}, ctx.Err()
		}
		v := domain.Verdict{Reviewer: in.Reviewer, Outcome: o}
		if o != domain.OutcomeAccept {
			v.Findings = []domain.Finding{{Reviewer: in.Reviewer, Category: domain.FindingClarity, Description: "tighten"}}
		}
		return Outcome{Verdict: v, Usage: domain.Usage{Calls: 1}}, nil
	}
}

func TestReviewAggregatesMostSevere(t *testing.T) {
	c := NewCoordinator(verdicts(map[string]domain.Outcome{
		"reviewer-1": domain.OutcomeMinorRevisions,
		"reviewer-2": domain.OutcomeAccept,
	}), Config{Reviewers: 2, Timeout: time.Second}, zap.NewNop())

	res, err := c.Review(context.Background(), domain.Draft{Version: 1}, domain.ArgumentMap{}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMinorRevisions, res.Aggregate.Outcome)
	assert.Equal(t, 1, res.Aggregate.Round)
	assert.Len(t, res.Aggregate.Verdicts, 2)
	assert.Equal(t, 2, res.Usage.Calls)
	assert.Empty(t, res.TimedOut)
}

func TestReviewTimedOutReviewerEscalates(t *testing.T) {
	c := NewCoordinator(verdicts(map[string]domain.Outcome{
		"reviewer-1": domain.OutcomeAccept,
	}), Config{Reviewers: 2, Timeout: 30 * time.Millisecond}, nil)

	res, err := c.Review(context.Background(), domain.Draft{Version: 1}, domain.ArgumentMap{}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMajorRevisions, res.Aggregate.Outcome)
	assert.Equal(t, []string{"reviewer-2"}, res.TimedOut)

	require.Len(t, res.Aggregate.Findings, 1)
	assert.Equal(t, domain.FindingReviewerTimeout, res.Aggregate.Findings[0].Category)
	assert.Equal(t, "reviewer timeout", res.Aggregate.Findings[0].Description)
}

func TestReviewAllTimedOut(t *testing.T) {
	c := NewCoordinator(verdicts(nil), Config{Reviewers: 3, Timeout: 20 * time.Millisecond}, nil)

	res, err := c.Review(context.Background(), domain.Draft{Version: 1}, domain.ArgumentMap{}, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMajorRevisions, res.Aggregate.Outcome)
	assert.Len(t, res.TimedOut, 3)

	var descriptions []string
	for _, f := range res.Aggregate.Findings {
		descriptions = append(descriptions, f.Description)
	}
	assert.Contains(t, descriptions, domain.NoReviewerFinding)
	assert.Contains(t, descriptions, "reviewer timeout")
}

func TestReviewRunsReviewersConcurrently(t *testing.T) {
	const n = 4
	var started sync.WaitGroup
	started.Add(n)
	all := make(chan struct{})
	go func() {
		started.Wait()
		close(all)
	}()

	c := NewCoordinator(runnerFunc(func(ctx context.Context, in Input) (Outcome, error) {
		started.Done()
		select {
		case <-all:
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
		return Outcome{Verdict: domain.Verdict{Outcome: domain.OutcomeAccept}}, nil
	}), Config{Reviewers: n, Timeout: 2 * time.Second}, nil)

	res, err := c.Review(context.Background(), domain.Draft{}, domain.ArgumentMap{}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccept, res.Aggregate.Outcome)
	assert.Empty(t, res.TimedOut)
}

func TestReviewFatalErrorFailsRound(t *testing.T) {
	fatal := &domain.FatalProviderError{Reason: "quota", Err: errors.New("insufficient_quota")}
	c := NewCoordinator(runnerFunc(func(ctx context.Context, in Input) (Outcome, error) {
		if in.Reviewer == "reviewer-1" {
			return Outcome{}, fatal
		}
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}), Config{Reviewers: 3, Timeout: 5 * time.Second}, nil)

	_, err := c.Review(context.Background(), domain.Draft{}, domain.ArgumentMap{}, 1)
	var got *domain.FatalProviderError
	require.ErrorAs(t, err, &got)
}

func TestReviewMajorityPolicy(t *testing.T) {
	c := NewCoordinator(verdicts(map[string]domain.Outcome{
		"reviewer-1": domain.OutcomeAccept,
		"reviewer-2": domain.OutcomeAccept,
		"reviewer-3": domain.OutcomeReject,
	}), Config{Reviewers: 3, Policy: domain.AggregateMajority}, nil)

	res, err := c.Review(context.Background(), domain.Draft{}, domain.ArgumentMap{}, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccept, res.Aggregate.Outcome)
	assert.Len(t, res.Aggregate.Findings, 1)
}

func TestCritiqueUsesSingleReviewer(t *testing.T) {
	var calls int
	var mu sync.Mutex
	c := NewCoordinator(runnerFunc(func(_ context.Context, in Input) (Outcome, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.True(t, in.SelfCritique)
		return Outcome{Verdict: domain.Verdict{Outcome: domain.OutcomeMinorRevisions}}, nil
	}), Config{Reviewers: 3}, nil)

	out, err := c.Critique(context.Background(), domain.Draft{}, domain.ArgumentMap{})
	require.NoError(t, err)
	assert.Equal(t, "self-critique", out.Verdict.Reviewer)
	assert.Equal(t, 1, calls)
}

type freeTextProvider struct{}

func (freeTextProvider) Send(context.Context, ports.ProviderRequest) (ports.ProviderResponse, error) {
	return ports.ProviderResponse{Final: "I think it is fine."}, nil
}

func TestAgentRunnerIncompleteVerdictIsMajor(t *testing.T) {
	reg := tools.NewCoreRegistry(tools.Deps{})
	runner := AgentRunner{Loop: agent.NewLoop(freeTextProvider{}, reg), MaxIterations: 2}

	out, err := runner.Run(context.Background(), Input{Reviewer: "reviewer-1", Draft: domain.Draft{Version: 1}})
	require.NoError(t, err)
	assert.True(t, out.Verdict.Incomplete)
	assert.Equal(t, domain.OutcomeMajorRevisions, out.Verdict.Outcome)
	assert.Equal(t, 2, out.Iterations)
}

func TestWithRebindsPanelAndTuning(t *testing.T) {
	var (
		mu     sync.Mutex
		seen   = map[string]bool{}
		tuning []Tuning
	)
	base := NewCoordinator(runnerFunc(func(_ context.Context, in Input) (Outcome, error) {
		mu.Lock()
		seen[in.Reviewer] = true
		tuning = append(tuning, in.Tuning)
		mu.Unlock()
		return Outcome{Verdict: domain.Verdict{Outcome: domain.OutcomeAccept}}, nil
	}), Config{Reviewers: 1, Timeout: time.Second}, nil)

	c := base.With(Config{Reviewers: 3, Policy: domain.AggregateMajority, Tuning: Tuning{Model: "gemini-2.5-pro", MaxIterations: 9}})
	_, err := c.Review(context.Background(), domain.Draft{}, domain.ArgumentMap{}, 1)
	require.NoError(t, err)
	assert.Len(t, seen, 3)
	for _, tu := range tuning {
		assert.Equal(t, "gemini-2.5-pro", tu.Model)
		assert.Equal(t, 9, tu.MaxIterations)
	}
	assert.Equal(t, 1, base.cfg.Reviewers)
	assert.Equal(t, time.Second, c.cfg.Timeout)
	assert.Equal(t, domain.AggregateMajority, c.cfg.Policy)
}

func TestAgentRunnerAppliesTuning(t *testing.T) {
	runner := AgentRunner{Model: "base", MaxIterations: 2, CallTimeout: time.Second}
	tuned := runner.tuned(Tuning{Model: "strict", MaxIterations: 6})
	assert.Equal(t, "strict", tuned.Model)
	assert.Equal(t, 6, tuned.MaxIterations)
	assert.Equal(t, time.Second, tuned.CallTimeout)
	assert.Equal(t, runner, runner.tuned(Tuning{}))
}

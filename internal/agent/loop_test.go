package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/citation"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
	"ResearchWriter/internal/tools"
)

type step struct {
	resp ports.ProviderResponse
	err  error
}

// scriptedProvider replays steps in order and repeats the last one.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    []step
	requests []ports.ProviderRequest
}

func (p *scriptedProvider) Send(_ context.Context, req ports.ProviderRequest) (ports.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	return p.steps[i].resp, p.steps[i].err
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func final(text string) step {
	return step{resp: ports.ProviderResponse{Final: text, Usage: domain.Usage{Calls: 1, PromptTokens: 10, CompletionTokens: 5}}}
}

func toolCall(name, args string) step {
	return step{resp: ports.ProviderResponse{
		ToolCalls: []domain.ToolCall{{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}},
		Usage:     domain.Usage{Calls: 1, PromptTokens: 10},
	}}
}

type staticBibliography struct {
	records []domain.EvidenceRecord
}

func (b staticBibliography) Lookup(context.Context, string) (domain.EvidenceRecord, bool, error) {
	return domain.EvidenceRecord{}, false, nil
}
func (b staticBibliography) Add(_ context.Context, r domain.EvidenceRecord) (domain.EvidenceRecord, error) {
	return r, nil
}
func (b staticBibliography) AllKeys(context.Context) ([]string, error) { return nil, nil }
func (b staticBibliography) Snapshot(context.Context) ([]domain.EvidenceRecord, error) {
	return b.records, nil
}
func (b staticBibliography) Update(context.Context, domain.EvidenceRecord) error { return nil }
func (b staticBibliography) MarkStale(context.Context, string) error             { return nil }

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.NewTool("lookup", "always answers", `{}`, `{}`,
		func(context.Context, struct{}) (map[string]string, error) {
			return map[string]string{"hint": "keep searching"}, nil
		})))
	require.NoError(t, reg.Register(tools.NewTool("broken", "always fails", `{}`, `{}`,
		func(context.Context, struct{}) (struct{}, error) {
			return struct{}{}, errors.New("index unavailable")
		})))
	require.NoError(t, reg.Register(tools.NewTool("write", "not for reviewers", `{}`, `{}`,
		func(context.Context, struct{}) (struct{}, error) { return struct{}{}, nil })))
	return reg
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func verdictRequest(maxIter int) Request[domain.Verdict] {
	return Request[domain.Verdict]{
		Role:          RoleReviewer,
		Instruction:   "review the draft",
		Tools:         []string{"lookup", "broken"},
		MaxIterations: maxIter,
		Parse:         VerdictParser("reviewer-1"),
	}
}

func TestRunTerminatesWithinIterationBudget(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []step{toolCall("lookup", `{}`)}}
	loop := NewLoop(provider, testRegistry(t))

	res, err := Run(context.Background(), loop, verdictRequest(4))
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, 4, res.Iterations)
	assert.Equal(t, 4, provider.calls())
	assert.Equal(t, domain.Verdict{}, res.Output)
	assert.Equal(t, 4, res.Usage.Calls)
}

func TestRunSurfacesToolFailureAsObservation(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []step{
		toolCall("broken", `{}`),
		final(`{"outcome":"ACCEPT","findings":[]}`),
	}}
	loop := NewLoop(provider, testRegistry(t))

	res, err := Run(context.Background(), loop, verdictRequest(3))
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.Equal(t, domain.OutcomeAccept, res.Output.Outcome)
	assert.Equal(t, 1, res.ToolErrors)

	second := provider.requests[1].Conversation
	last := second[len(second)-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	assert.Contains(t, last.Content, "index unavailable")
}

func TestRunRejectsToolsOutsideSubset(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []step{
		toolCall("write", `{}`),
		final(`{"outcome":"minor revisions","findings":[{"category":"clarity","description":"tighten intro"}]}`),
	}}
	loop := NewLoop(provider, testRegistry(t))

	res, err := Run(context.Background(), loop, verdictRequest(3))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeMinorRevisions, res.Output.Outcome)
	assert.Equal(t, 1, res.ToolErrors)

	for _, schema := range provider.requests[0].Tools {
		assert.NotEqual(t, "write", schema.Name)
	}
	obs := provider.requests[1].Conversation[len(provider.requests[1].Conversation)-1]
	assert.Contains(t, obs.Content, "not available")
}

func TestRunRetriesTransientProviderErrors(t *testing.T) {
	t.Parallel()

	transient := &domain.TransientProviderError{StatusCode: 503, Err: errors.New("unavailable")}
	provider := &scriptedProvider{steps: []step{
		{err: transient},
		{err: transient},
		final(`{"outcome":"ACCEPT"}`),
	}}
	sleeper := &recordedSleep{}
	loop := NewLoop(provider, testRegistry(t),
		WithBackoff(Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, MaxAttempts: 4}),
		WithSleep(sleeper.sleep))

	res, err := Run(context.Background(), loop, verdictRequest(2))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAccept, res.Output.Outcome)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestRunEscalatesWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []step{{err: &domain.TransientProviderError{StatusCode: 429, Err: errors.New("slow down")}}}}
	loop := NewLoop(provider, testRegistry(t),
		WithBackoff(Backoff{Initial: time.Millisecond, Multiplier: 2, MaxAttempts: 3}),
		WithSleep((&recordedSleep{}).sleep))

	_, err := Run(context.Background(), loop, verdictRequest(5))
	var transient *domain.TransientProviderError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, provider.calls())
}

func TestRunStopsOnFatalProviderError(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []step{{err: &domain.FatalProviderError{Reason: "auth", Err: errors.New("401")}}}}
	sleeper := &recordedSleep{}
	loop := NewLoop(provider, testRegistry(t), WithSleep(sleeper.sleep))

	_, err := Run(context.Background(), loop, verdictRequest(5))
	var fatal *domain.FatalProviderError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, provider.calls())
	assert.Empty(t, sleeper.delays)
}

func TestRunFeedsRejectionBackAndAccepts(t *testing.T) {
	t.Parallel()

	gate := citation.Gate{Bibliography: staticBibliography{records: []domain.EvidenceRecord{
		{Key: "Attention_Is_All_Vaswani_2017", Title: "Attention Is All You Need", Authors: []string{"Ashish Vaswani"}, Year: 2017},
	}}}
	provider := &scriptedProvider{steps: []step{
		final(`{"title":"T","sections":[{"heading":"Intro","content":"Transformers \\cite{vaswani2017}."}]}`),
		final("```json\n{\"title\":\"T\",\"sections\":[{\"heading\":\"Intro\",\"content\":\"Transformers \\\\cite{Attention_Is_All_Vaswani_2017}.\"}]}\n```"),
	}}
	loop := NewLoop(provider, testRegistry(t))

	res, err := Run(context.Background(), loop, Request[domain.Draft]{
		Role: RoleDrafter, Instruction: "draft", MaxIterations: 3, Parse: DraftParser(gate, 0),
	})
	require.NoError(t, err)
	assert.False(t, res.Incomplete)
	assert.Equal(t, 1, res.Rejections)
	assert.Equal(t, []string{"Attention_Is_All_Vaswani_2017"}, res.Output.Citations)

	correction := provider.requests[1].Conversation[len(provider.requests[1].Conversation)-1]
	assert.Equal(t, domain.RoleUser, correction.Role)
	assert.Contains(t, correction.Content, `unknown citation key "vaswani2017"`)
	assert.Contains(t, correction.Content, "Attention_Is_All_Vaswani_2017")
}

func TestRunKeepsBestPartialWhenExhausted(t *testing.T) {
	t.Parallel()

	gate := citation.Gate{Bibliography: staticBibliography{}}
	provider := &scriptedProvider{steps: []step{
		final(`{"title":"T","sections":[{"heading":"Intro","content":"Claim \\cite{ghost2020}."}]}`),
	}}
	loop := NewLoop(provider, testRegistry(t))

	res, err := Run(context.Background(), loop, Request[domain.Draft]{
		Role: RoleDrafter, Instruction: "draft", MaxIterations: 2, Parse: DraftParser(gate, 0),
	})
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, 2, res.Rejections)
	assert.Equal(t, []string{"ghost2020"}, res.Output.Citations)
}

func TestRunRejectsFreeTextVerdict(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{steps: []step{final("Looks good to me overall.")}}
	loop := NewLoop(provider, testRegistry(t))

	res, err := Run(context.Background(), loop, verdictRequest(2))
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Empty(t, res.Output.Outcome)
}

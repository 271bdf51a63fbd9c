package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *ChatGPTClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewChatGPTClient(config.ProviderConfig{Endpoint: server.URL, Model: "gpt-test", APIKey: "k"})
	require.NoError(t, err)
	return client
}

func TestChatGPTSendToolCalls(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"c1","type":"function","function":{"name":"fuzzy_cite","arguments":"{\"query\":\"vaswani\"}"}}
			]},"finish_reason":"tool_calls"}],
			"usage":{"prompt_tokens":12,"completion_tokens":4}}`))
	})

	resp, err := client.Send(context.Background(), ports.ProviderRequest{
		Role:        "drafter",
		Temperature: 0.4,
		Conversation: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "write"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c0", Name: "list_library", Arguments: json.RawMessage(`{}`)}}},
			{Role: domain.RoleTool, ToolCallID: "c0", Name: "list_library", Content: `{"entries":[]}`},
		},
		Tools: []domain.ToolSchema{{Name: "fuzzy_cite", Description: "d", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "list_library", got.Messages[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "c0", got.Messages[3].ToolCallID)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "fuzzy_cite", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"query":"vaswani"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, domain.Usage{Calls: 1, PromptTokens: 12, CompletionTokens: 4}, resp.Usage)
}

func TestChatGPTSendFinalAnswer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"outcome\":\"ACCEPT\"}"}}]}`))
	})
	resp, err := client.Send(context.Background(), ports.ProviderRequest{Model: "override"})
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.Equal(t, `{"outcome":"ACCEPT"}`, resp.Final)
}

func TestChatGPTErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		transient bool
		fatal     string
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, transient: true},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, transient: true},
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"error":{"message":"bad key"}}`, fatal: "auth"},
		{name: "quota", status: http.StatusTooManyRequests, body: `{"error":{"message":"no credit","code":"insufficient_quota"}}`, fatal: "quota"},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"bad schema"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.Send(context.Background(), ports.ProviderRequest{})
			require.Error(t, err)

			var transient *domain.TransientProviderError
			var fatal *domain.FatalProviderError
			assert.Equal(t, tc.transient, errors.As(err, &transient))
			if tc.fatal != "" {
				require.True(t, errors.As(err, &fatal))
				assert.Equal(t, tc.fatal, fatal.Reason)
			} else {
				assert.False(t, errors.As(err, &fatal))
			}
		})
	}
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	_, err := New(context.Background(), config.ProviderConfig{Kind: config.ProviderOpenAI, Endpoint: "http://x", Model: "m"})
	assert.Error(t, err)
	_, err = New(context.Background(), config.ProviderConfig{Kind: "telepathy"})
	assert.Error(t, err)
}

func TestGeminiContentsGroupToolObservations(t *testing.T) {
	system, contents := toGeminiContents([]domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "review"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "a", Name: "query_library", Arguments: json.RawMessage(`{"query":"x"}`)},
			{ID: "b", Name: "validate_citations", Arguments: json.RawMessage(`{"keys":["k"]}`)},
		}},
		{Role: domain.RoleTool, ToolCallID: "a", Content: `{"passages":[]}`},
		{Role: domain.RoleTool, ToolCallID: "b", Content: `not json`},
	})
	require.NotNil(t, system)
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, "query_library", contents[1].Parts[0].FunctionCall.Name)

	tools := contents[2]
	require.Len(t, tools.Parts, 2)
	assert.Equal(t, "query_library", tools.Parts[0].FunctionResponse.Name)
	assert.Equal(t, "validate_citations", tools.Parts[1].FunctionResponse.Name)
	assert.Equal(t, "not json", tools.Parts[1].FunctionResponse.Response["output"])
}

func TestGeminiResponseConversion(t *testing.T) {
	resp, err := fromGeminiResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
			{Text: "thinking", Thought: true},
			{FunctionCall: &genai.FunctionCall{Name: "fuzzy_cite", Args: map[string]any{"query": "he"}}},
		}}}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 7, CandidatesTokenCount: 3},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Final)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call-1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"he"}`, string(resp.ToolCalls[0].Arguments))
	assert.Equal(t, 10, resp.Usage.Tokens())

	_, err = fromGeminiResponse(&genai.GenerateContentResponse{})
	var transient *domain.TransientProviderError
	assert.True(t, errors.As(err, &transient))
}

func TestGeminiErrorClassification(t *testing.T) {
	var fatal *domain.FatalProviderError
	assert.True(t, errors.As(classifyGemini(&genai.APIError{Code: http.StatusForbidden}), &fatal))

	var transient *domain.TransientProviderError
	assert.True(t, errors.As(classifyGemini(&genai.APIError{Code: http.StatusServiceUnavailable}), &transient))
	assert.True(t, errors.As(classifyGemini(io.ErrUnexpectedEOF), &transient))
}

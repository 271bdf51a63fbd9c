package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

// GeminiClient implements ports.Provider on the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

var _ ports.Provider = (*GeminiClient)(nil)

// NewGeminiClient creates a client for cfg. Endpoint, when set, replaces the
// API base URL.
func NewGeminiClient(ctx context.Context, cfg config.ProviderConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("gemini client misconfigured: model and api key are required")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	if cfg.Timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model, limiter: newLimiter(cfg.RequestsPerMinute)}, nil
}

// Send runs one generate call with function declarations.
func (g *GeminiClient) Send(ctx context.Context, req ports.ProviderRequest) (ports.ProviderResponse, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return ports.ProviderResponse{}, fmt.Errorf("rate limiter: %w", err)
	}
	model := req.Model
	if model == "" {
		model = g.model
	}

	system, contents := toGeminiContents(req.Conversation)
	temperature := req.Temperature
	cfg := &genai.GenerateContentConfig{Temperature: &temperature, SystemInstruction: system}
	if tools := toGeminiTools(req.Tools); tools != nil {
		cfg.Tools = []*genai.Tool{tools}
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return ports.ProviderResponse{}, ctx.Err()
		}
		return ports.ProviderResponse{}, classifyGemini(err)
	}
	return fromGeminiResponse(resp)
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (ports.ProviderResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ports.ProviderResponse{}, &domain.TransientProviderError{Err: errors.New("gemini returned no candidates")}
	}
	var out ports.ProviderResponse
	out.Usage.Calls = 1
	if meta := resp.UsageMetadata; meta != nil {
		out.Usage.PromptTokens = int(meta.PromptTokenCount)
		out.Usage.CompletionTokens = int(meta.CandidatesTokenCount)
	}
	for i, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil:
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil || part.FunctionCall.Args == nil {
				args = []byte(`{}`)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call-%d", i)
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: id, Name: part.FunctionCall.Name, Arguments: args})
		case part.Text != "" && !part.Thought:
			out.Final += part.Text
		}
	}
	return out, nil
}

// classifyGemini maps SDK errors onto the provider error taxonomy.
func classifyGemini(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiPtr):
		code = apiPtr.Code
	default:
		return &domain.TransientProviderError{Err: fmt.Errorf("gemini request: %w", err)}
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &domain.FatalProviderError{Reason: "auth", Err: err}
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return &domain.TransientProviderError{StatusCode: code, Err: err}
	}
	return fmt.Errorf("gemini request: %w", err)
}

// toGeminiContents splits out the system instruction and groups consecutive
// tool observations into one user turn.
func toGeminiContents(conv []domain.Message) (*genai.Content, []*genai.Content) {
	var (
		system   *genai.Content
		contents []*genai.Content
		names    = map[string]string{}
	)
	for _, m := range conv {
		switch m.Role {
		case domain.RoleSystem:
			system = genai.NewContentFromText(m.Content, genai.RoleUser)
		case domain.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case domain.RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(call.Arguments, &args)
				names[call.ID] = call.Name
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
			}
			contents = append(contents, c)
		case domain.RoleTool:
			name := m.Name
			if name == "" {
				name = names[m.ToolCallID]
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     name,
				Response: observation(m.Content),
			}}
			if n := len(contents); n > 0 && isToolTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}
	return system, contents
}

func isToolTurn(c *genai.Content) bool {
	return c.Role == genai.RoleUser && len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func observation(content string) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err == nil {
		return decoded
	}
	return map[string]any{"output": content}
}

func toGeminiTools(schemas []domain.ToolSchema) *genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	tool := &genai.Tool{}
	for _, s := range schemas {
		var params any
		if len(s.Parameters) > 0 {
			_ = json.Unmarshal(s.Parameters, &params)
		}
		tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: params,
		})
	}
	return tool
}

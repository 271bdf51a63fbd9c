package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ResearchWriter/internal/config"
	"ResearchWriter/internal/domain"
	"ResearchWriter/internal/ports"
)

// ChatGPTClient implements ports.Provider backed by OpenAI-compatible
// chat completion APIs with function calling.
type ChatGPTClient struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ ports.Provider = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.ProviderConfig) (*ChatGPTClient, error) {
	if cfg.APIKey == "" || cfg.Endpoint == "" || cfg.Model == "" {
		return nil, errors.New("chatgpt client misconfigured: endpoint, model and api key are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ChatGPTClient{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    newLimiter(cfg.RequestsPerMinute),
	}, nil
}

// newLimiter allows rpm requests per minute; zero disables limiting.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float32       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Send posts the conversation and returns tool calls or a final answer.
func (c *ChatGPTClient) Send(ctx context.Context, req ports.ProviderRequest) (ports.ProviderResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ports.ProviderResponse{}, fmt.Errorf("rate limiter: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		Messages:    toChatMessages(req.Conversation),
		Tools:       toChatTools(req.Tools),
	})
	if err != nil {
		return ports.ProviderResponse{}, fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.ProviderResponse{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ports.ProviderResponse{}, ctx.Err()
		}
		return ports.ProviderResponse{}, &domain.TransientProviderError{Err: fmt.Errorf("send completion: %w", err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return ports.ProviderResponse{}, &domain.TransientProviderError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read completion: %w", err)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return ports.ProviderResponse{}, classify(resp.StatusCode, resp.Status, payload)
	}

	var decoded chatResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ports.ProviderResponse{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ports.ProviderResponse{}, &domain.TransientProviderError{StatusCode: resp.StatusCode, Err: errors.New("completion has no choices")}
	}

	msg := decoded.Choices[0].Message
	out := ports.ProviderResponse{
		Final: msg.Content,
		Usage: domain.Usage{
			Calls:            1,
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
		},
	}
	for _, call := range msg.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}
	return out, nil
}

// classify maps an HTTP failure onto the provider error taxonomy.
func classify(status int, statusText string, payload []byte) error {
	var apiErr chatError
	_ = json.Unmarshal(payload, &apiErr)
	detail := strings.TrimSpace(apiErr.Error.Message)
	if detail == "" {
		detail = strings.TrimSpace(string(truncate(payload, 512)))
	}
	err := fmt.Errorf("chatgpt error %s: %s", statusText, detail)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.FatalProviderError{Reason: "auth", Err: err}
	case apiErr.Error.Code == "insufficient_quota" || apiErr.Error.Type == "insufficient_quota":
		return &domain.FatalProviderError{Reason: "quota", Err: err}
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return &domain.TransientProviderError{StatusCode: status, Err: err}
	}
	return err
}

func toChatMessages(conv []domain.Message) []chatMessage {
	out := make([]chatMessage, 0, len(conv))
	for _, m := range conv {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.Role == domain.RoleTool {
			cm.Name = m.Name
		}
		for _, call := range m.ToolCalls {
			tc := chatToolCall{ID: call.ID, Type: "function"}
			tc.Function.Name = call.Name
			tc.Function.Arguments = string(call.Arguments)
			cm.ToolCalls = append(cm.ToolCalls, tc)
		}
		out = append(out, cm)
	}
	return out
}

func toChatTools(schemas []domain.ToolSchema) []chatTool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, chatTool{Type: "function", Function: chatFunction{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Parameters,
		}})
	}
	return out
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

const (
	anthropicVersion       = "2023-06-01"
	anthropicDefaultTokens = 1024
)

// AnthropicAdapter speaks the Anthropic Messages API.
type AnthropicAdapter struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// NewAnthropicAdapter creates an adapter for the Messages API.
func NewAnthropicAdapter(cfg HTTPConfig, client *http.Client) *AnthropicAdapter {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicDefaultTokens
	}
	return &AnthropicAdapter{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
	}
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string { return a.name }

type antBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

type antMessage struct {
	Role    string     `json:"role"`
	Content []antBlock `json:"content"`
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type antRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []antMessage `json:"messages"`
	Tools     []antTool    `json:"tools,omitempty"`
}

type antResponse struct {
	Content    []antBlock `json:"content"`
	StopReason string     `json:"stop_reason"`
}

func (a *AnthropicAdapter) buildRequest(req *Request) antRequest {
	body := antRequest{Model: a.model, MaxTokens: a.maxTokens, System: req.System}

	// Consecutive turns of the same role are merged; the API requires
	// alternating user and assistant messages.
	push := func(role string, blocks ...antBlock) {
		if n := len(body.Messages); n > 0 && body.Messages[n-1].Role == role {
			body.Messages[n-1].Content = append(body.Messages[n-1].Content, blocks...)
			return
		}
		body.Messages = append(body.Messages, antMessage{Role: role, Content: blocks})
	}

	for _, t := range req.Turns {
		switch t.Role {
		case domain.RoleUser:
			push("user", antBlock{Type: "text", Text: userText(t)})
		case domain.RoleAssistant:
			var blocks []antBlock
			if t.Content != "" {
				blocks = append(blocks, antBlock{Type: "text", Text: t.Content})
			}
			for _, c := range t.Calls {
				input := c.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, antBlock{Type: "tool_use", ID: c.ID, Name: c.Name, Input: input})
			}
			if len(blocks) > 0 {
				push("assistant", blocks...)
			}
		case domain.RoleFunctionResult:
			payload, _ := json.Marshal(resultPayload(t))
			push("user", antBlock{
				Type:      "tool_result",
				ToolUseID: t.Call.ID,
				Content:   string(payload),
				IsError:   t.Call.Status == domain.CallFailed,
			})
		}
	}
	// The conversation must open with a user message.
	for len(body.Messages) > 0 && body.Messages[0].Role != "user" {
		body.Messages = body.Messages[1:]
	}

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, antTool{Name: tool.Name, Description: tool.Description, InputSchema: tool.Parameters})
	}
	return body
}

// Complete implements Adapter.
func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, &FatalError{Provider: a.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Provider: a.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, statusError(a.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out antResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("decode response: %w", err)}
	}

	var text strings.Builder
	var calls []domain.FunctionCallRequest
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			calls = append(calls, domain.FunctionCallRequest{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	return normalize(a.name, text.String(), calls)
}

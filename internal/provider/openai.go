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

// OpenAIAdapter speaks the OpenAI chat completions protocol. DeepSeek,
// LM Studio and Ollama expose the same API.
type OpenAIAdapter struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	client    *http.Client
}

// HTTPConfig configures an HTTP-based adapter.
type HTTPConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// NewOpenAIAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIAdapter(cfg HTTPConfig, client *http.Client) *OpenAIAdapter {
	if client == nil {
		client = &http.Client{}
	}
	return &OpenAIAdapter{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
	}
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return a.name }

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    *string       `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	Tools     []oaiTool    `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

func strPtr(s string) *string { return &s }

func (a *OpenAIAdapter) buildRequest(req *Request) oaiRequest {
	body := oaiRequest{Model: a.model, MaxTokens: a.maxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, oaiMessage{Role: "system", Content: strPtr(req.System)})
	}
	for _, t := range req.Turns {
		switch t.Role {
		case domain.RoleUser:
			body.Messages = append(body.Messages, oaiMessage{Role: "user", Content: strPtr(userText(t))})
		case domain.RoleAssistant:
			msg := oaiMessage{Role: "assistant"}
			if t.Content != "" {
				msg.Content = strPtr(t.Content)
			}
			for _, c := range t.Calls {
				tc := oaiToolCall{ID: c.ID, Type: "function"}
				tc.Function.Name = c.Name
				args, _ := json.Marshal(c.Arguments)
				tc.Function.Arguments = string(args)
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
			if msg.Content == nil && len(msg.ToolCalls) == 0 {
				msg.Content = strPtr("")
			}
			body.Messages = append(body.Messages, msg)
		case domain.RoleFunctionResult:
			payload, _ := json.Marshal(resultPayload(t))
			body.Messages = append(body.Messages, oaiMessage{
				Role:       "tool",
				Content:    strPtr(string(payload)),
				ToolCallID: t.Call.ID,
			})
		}
	}
	for _, tool := range req.Tools {
		ot := oaiTool{Type: "function"}
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.Parameters
		body.Tools = append(body.Tools, ot)
	}
	return body
}

// Complete implements Adapter.
func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &FatalError{Provider: a.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Provider: a.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, statusError(a.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return nil, &FatalError{Provider: a.name, Err: fmt.Errorf("no choices returned")}
	}

	msg := out.Choices[0].Message
	var calls []domain.FunctionCallRequest
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{"_raw": tc.Function.Arguments}
			}
		}
		calls = append(calls, domain.FunctionCallRequest{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	text := ""
	if msg.Content != nil {
		text = *msg.Content
	}
	return normalize(a.name, text, calls)
}

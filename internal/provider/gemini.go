package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"google.golang.org/genai"
)

// GeminiAdapter calls Gemini through the genai SDK.
type GeminiAdapter struct {
	name   string
	model  string
	client *genai.Client
}

// NewGeminiAdapter creates a Gemini adapter. BaseURL overrides the API host.
func NewGeminiAdapter(ctx context.Context, cfg HTTPConfig, httpClient *http.Client) (*GeminiAdapter, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiAdapter{name: cfg.Name, model: cfg.Model, client: client}, nil
}

// Name implements Adapter.
func (a *GeminiAdapter) Name() string { return a.name }

func (a *GeminiAdapter) buildContents(turns []domain.Turn) []*genai.Content {
	var contents []*genai.Content
	for _, t := range turns {
		switch t.Role {
		case domain.RoleUser:
			contents = append(contents, genai.NewContentFromText(userText(t), genai.RoleUser))
		case domain.RoleAssistant:
			var parts []*genai.Part
			if t.Content != "" {
				parts = append(parts, genai.NewPartFromText(t.Content))
			}
			for _, c := range t.Calls {
				part := genai.NewPartFromFunctionCall(c.Name, c.Arguments)
				part.FunctionCall.ID = c.ID
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case domain.RoleFunctionResult:
			part := genai.NewPartFromFunctionResponse(t.Call.Name, resultPayload(t))
			part.FunctionResponse.ID = t.Call.ID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		}
	}
	return contents
}

// Complete implements Adapter.
func (a *GeminiAdapter) Complete(ctx context.Context, req *Request) (*Result, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, a.buildContents(req.Turns), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, statusError(a.name, apiErr.Code, apiErr.Message)
		}
		return nil, &TransientError{Provider: a.name, Err: err}
	}

	var calls []domain.FunctionCallRequest
	for _, fc := range resp.FunctionCalls() {
		calls = append(calls, domain.FunctionCallRequest{ID: fc.ID, Name: fc.Name, Arguments: fc.Args})
	}
	text := ""
	if len(calls) == 0 {
		text = resp.Text()
	}
	return normalize(a.name, text, calls)
}

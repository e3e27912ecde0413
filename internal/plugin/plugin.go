// Package plugin implements the plugin registry and the per-user function
// catalog the model is allowed to call.
package plugin

import (
	"context"
	"errors"
)

// ParamType is the JSON type of a function parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Parameter describes one argument of a plugin function.
type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// FunctionSchema describes a function a plugin exposes, without namespace.
type FunctionSchema struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
}

// JSONSchema renders the parameters as a JSON Schema object.
func (f FunctionSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(f.Parameters))
	required := []string{}
	for _, p := range f.Parameters {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Descriptor identifies a plugin and lists its functions.
type Descriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Version     string           `json:"version"`
	Functions   []FunctionSchema `json:"functions"`
}

// Result is what a plugin returns from Execute.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Plugin is a named bundle of functions callable by the model.
type Plugin interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, function string, args map[string]any, userID string) (Result, error)
}

// Tool is a namespaced function advertised to a model provider.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ClarificationFunction is the reserved control function a model calls to
// ask the user a question instead of answering.
const ClarificationFunction = "ask_for_clarification"

// ClarificationTool returns the advertised schema of ClarificationFunction.
func ClarificationTool() Tool {
	schema := FunctionSchema{
		Name:        ClarificationFunction,
		Description: "Ask the user a clarifying question when the request is ambiguous or missing information. The question is spoken to the user and their answer arrives as the next message.",
		Parameters: []Parameter{
			{Name: "question", Type: TypeString, Description: "The question to ask the user", Required: true},
			{Name: "context", Type: TypeString, Description: "What the question is about"},
		},
	}
	return Tool{Name: schema.Name, Description: schema.Description, Parameters: schema.JSONSchema()}
}

var (
	// ErrFunctionNotFound means the model asked for a function outside the catalog.
	ErrFunctionNotFound = errors.New("function not found")
	// ErrFunctionValidation means arguments did not match the function schema.
	ErrFunctionValidation = errors.New("function arguments invalid")
	// ErrFunctionExecution means the plugin failed, panicked or timed out.
	ErrFunctionExecution = errors.New("function execution failed")
)

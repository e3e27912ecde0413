package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/google/uuid"
)

const fallbackQuestion = "Could you tell me a bit more about what you need?"

// normalize turns raw adapter output into a Result. A call to the reserved
// clarification function takes precedence over any other call in the batch.
func normalize(provider, text string, calls []domain.FunctionCallRequest) (*Result, error) {
	for _, c := range calls {
		if c.Name != plugin.ClarificationFunction {
			continue
		}
		question, _ := c.Arguments["question"].(string)
		if question = strings.TrimSpace(question); question == "" {
			question = strings.TrimSpace(text)
		}
		if question == "" {
			question = fallbackQuestion
		}
		about, _ := c.Arguments["context"].(string)
		return &Result{
			Kind:          KindClarification,
			Clarification: &Clarification{Question: question, Context: about},
			Text:          text,
		}, nil
	}

	if len(calls) > 0 {
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
			if calls[i].Arguments == nil {
				calls[i].Arguments = map[string]any{}
			}
		}
		return &Result{Kind: KindFunctionCalls, Calls: calls, Text: text}, nil
	}

	if strings.TrimSpace(text) == "" {
		return nil, &FatalError{Provider: provider, Err: errors.New("empty completion")}
	}
	return &Result{Kind: KindText, Text: text}, nil
}

// userText renders a user turn, carrying the question it answers.
func userText(t domain.Turn) string {
	if t.ClarificationContext == "" {
		return t.Content
	}
	return fmt.Sprintf("(In reply to your question %q) %s", t.ClarificationContext, t.Content)
}

// sanitize drops function results whose originating call fell outside the
// window, since backends reject orphaned tool results.
func sanitize(turns []domain.Turn) []domain.Turn {
	seen := make(map[string]bool)
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case domain.RoleAssistant:
			for _, c := range t.Calls {
				seen[c.ID] = true
			}
		case domain.RoleFunctionResult:
			if t.Call == nil || !seen[t.Call.ID] {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// resultPayload is the structured function output sent back to a backend.
func resultPayload(t domain.Turn) map[string]any {
	if t.Call == nil {
		return map[string]any{"success": false, "error": "missing call record"}
	}
	if t.Call.Status == domain.CallFailed && t.Call.Error != nil {
		return map[string]any{"success": false, "error": t.Call.Error.Message, "kind": string(t.Call.Error.Kind)}
	}
	return map[string]any{"success": true, "data": t.Call.Result}
}

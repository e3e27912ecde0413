package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicAdapterRequestShape(t *testing.T) {
	t.Parallel()

	var got antRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"Noon. "},{"type":"text","text":"Anything else?"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(HTTPConfig{Name: "claude", BaseURL: srv.URL, APIKey: "key", Model: "m"}, srv.Client())
	turns := append([]domain.Turn{{Role: domain.RoleAssistant, Content: "stray greeting"}}, conversationWithCall()...)
	res, err := a.Complete(context.Background(), &Request{System: "sys", Turns: turns})
	require.NoError(t, err)
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "Noon. Anything else?", res.Text)

	assert.Equal(t, "sys", got.System)
	assert.Positive(t, got.MaxTokens)
	require.Len(t, got.Messages, 3, "leading assistant message dropped, roles alternate")
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "tool_use", got.Messages[1].Content[0].Type)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, "tool_result", got.Messages[2].Content[0].Type)
	assert.Equal(t, "call_1", got.Messages[2].Content[0].ToolUseID)
}

func TestAnthropicAdapterToolUse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":[{"type":"tool_use","id":"toolu_1","name":"core_random_number","input":{"min":1,"max":6}}],"stop_reason":"tool_use"}`))
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(HTTPConfig{Name: "claude", BaseURL: srv.URL}, srv.Client())
	res, err := a.Complete(context.Background(), &Request{Turns: []domain.Turn{{Role: domain.RoleUser, Content: "roll"}}})
	require.NoError(t, err)
	require.Equal(t, KindFunctionCalls, res.Kind)
	assert.Equal(t, "toolu_1", res.Calls[0].ID)
	assert.InDelta(t, 6, res.Calls[0].Arguments["max"], 0)
}

func TestAnthropicAdapterOverloaded(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(529)
	}))
	defer srv.Close()

	a := NewAnthropicAdapter(HTTPConfig{Name: "claude", BaseURL: srv.URL}, srv.Client())
	_, err := a.Complete(context.Background(), &Request{})
	require.Error(t, err)
	assert.False(t, IsFatal(err))
}

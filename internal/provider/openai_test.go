package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func conversationWithCall() []domain.Turn {
	rec := domain.NewCallRecord(domain.FunctionCallRequest{ID: "call_1", Name: "core_get_time", Arguments: map[string]any{}})
	_ = rec.Succeed(map[string]any{"time": "12:00"}, 0)
	return []domain.Turn{
		{Role: domain.RoleUser, Content: "what time is it"},
		{Role: domain.RoleAssistant, Calls: []domain.FunctionCallRequest{{ID: "call_1", Name: "core_get_time", Arguments: map[string]any{}}}},
		{Role: domain.RoleFunctionResult, Call: rec},
	}
}

func TestOpenAIAdapterSendsToolsAndParsesCalls(t *testing.T) {
	t.Parallel()

	var got oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_9","type":"function","function":{"name":"core_echo","arguments":"{\"text\":\"hi\"}"}}]}}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(HTTPConfig{Name: "openai", BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test"}, srv.Client())
	res, err := a.Complete(context.Background(), &Request{
		System: "be brief",
		Turns:  conversationWithCall(),
		Tools:  []plugin.Tool{plugin.ClarificationTool()},
	})
	require.NoError(t, err)

	require.Equal(t, KindFunctionCalls, res.Kind)
	require.Len(t, res.Calls, 1)
	assert.Equal(t, "call_9", res.Calls[0].ID)
	assert.Equal(t, "hi", res.Calls[0].Arguments["text"])

	assert.Equal(t, "gpt-test", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "tool", got.Messages[3].Role)
	assert.Equal(t, "call_1", got.Messages[3].ToolCallID)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, plugin.ClarificationFunction, got.Tools[0].Function.Name)
}

func TestOpenAIAdapterText(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"It is noon."}}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(HTTPConfig{Name: "openai", BaseURL: srv.URL}, srv.Client())
	res, err := a.Complete(context.Background(), &Request{Turns: []domain.Turn{{Role: domain.RoleUser, Content: "time?"}}})
	require.NoError(t, err)
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "It is noon.", res.Text)
}

func TestOpenAIAdapterMalformedArguments(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[
			{"id":"c","type":"function","function":{"name":"core_echo","arguments":"{not json"}}]}}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(HTTPConfig{Name: "openai", BaseURL: srv.URL}, srv.Client())
	res, err := a.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "{not json", res.Calls[0].Arguments["_raw"])
}

func TestOpenAIAdapterErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		fatal  bool
	}{
		{"unauthorized", http.StatusUnauthorized, true},
		{"rate limited", http.StatusTooManyRequests, false},
		{"server error", http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			a := NewOpenAIAdapter(HTTPConfig{Name: "openai", BaseURL: srv.URL}, srv.Client())
			_, err := a.Complete(context.Background(), &Request{})
			require.Error(t, err)
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestOpenAIAdapterClarification(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"tool_calls":[
			{"id":"c","type":"function","function":{"name":"ask_for_clarification","arguments":"{\"question\":\"Which room?\"}"}}]}}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(HTTPConfig{Name: "openai", BaseURL: srv.URL}, srv.Client())
	res, err := a.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, KindClarification, res.Kind)
	assert.Equal(t, "Which room?", res.Clarification.Question)
}

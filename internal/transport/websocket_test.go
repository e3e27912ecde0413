package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gaja-assistant/gaja-server/internal/dispatch"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/identity"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/gaja-assistant/gaja-server/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoDispatcher struct{}

func (echoDispatcher) Handle(_ context.Context, in dispatch.Input) dispatch.Outcome {
	if in.Text == "which room?" {
		return dispatch.Outcome{
			Kind:          dispatch.OutcomeClarification,
			Clarification: &domain.ClarificationRequest{Question: "Which room?"},
		}
	}
	return dispatch.Outcome{Kind: dispatch.OutcomeAnswer, Text: "echo: " + in.Text}
}

type fakeSettings struct {
	mu      sync.Mutex
	enabled map[string]bool
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{enabled: map[string]bool{"core": true, "weather": false}}
}

func (f *fakeSettings) names() []string {
	var out []string
	for _, n := range []string{"core", "weather"} {
		if f.enabled[n] {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeSettings) List(_ context.Context, _ string) ([]plugin.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []plugin.Status{
		{Name: "core", Enabled: f.enabled["core"], Functions: []string{"core_get_time"}},
		{Name: "weather", Enabled: f.enabled["weather"], Functions: []string{"weather_get_forecast"}},
	}, nil
}

func (f *fakeSettings) Enabled(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names(), nil
}

func (f *fakeSettings) Apply(_ context.Context, _ string, name, action string) (bool, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.enabled[name]
	if !ok {
		return false, nil, plugin.ErrUnknownPlugin
	}
	switch action {
	case "enable":
		cur = true
	case "disable":
		cur = false
	default:
		cur = !cur
	}
	f.enabled[name] = cur
	return cur, f.names(), nil
}

type fakePending struct{ question string }

func (p fakePending) Pending(string) *domain.ClarificationRequest {
	if p.question == "" {
		return nil
	}
	return &domain.ClarificationRequest{Question: p.question}
}

func newTestServer(t *testing.T, pending PendingSource) (*httptest.Server, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(echoDispatcher{}, nil, nil, session.Config{}, nil)
	h := NewWebSocketHandler(mgr, newFakeSettings(), pending, nil, "*", true, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), "user-1")))
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return srv, mgr
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg map[string]any
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	return msg
}

func write(t *testing.T, ws *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, msg))
}

func TestHandshake(t *testing.T) {
	t.Parallel()
	srv, mgr := newTestServer(t, fakePending{question: "Which city?"})
	ws := dial(t, srv)

	msg := read(t, ws)
	assert.Equal(t, session.TypeHandshake, msg["type"])
	assert.Equal(t, "user-1", msg["user_id"])
	assert.NotEmpty(t, msg["session_id"])
	assert.Equal(t, []any{"core"}, msg["enabled_plugins"])
	assert.Equal(t, "Which city?", msg["pending_question"])
	assert.Len(t, mgr.Sessions("user-1"), 1)
}

func TestQueryRoundTrip(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	ws := dial(t, srv)
	read(t, ws)

	write(t, ws, session.Inbound{Type: session.TypeQuery, Text: "  hello  "})
	msg := read(t, ws)
	assert.Equal(t, session.TypeResponse, msg["type"])
	assert.Equal(t, "echo: hello", msg["text"])

	write(t, ws, session.Inbound{Type: session.TypeQuery, Text: "which room?"})
	msg = read(t, ws)
	assert.Equal(t, session.TypeClarificationRequest, msg["type"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Which room?", data["question"])
}

func TestQueryErrors(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	ws := dial(t, srv)
	read(t, ws)

	write(t, ws, session.Inbound{Type: session.TypeQuery, Text: "   "})
	msg := read(t, ws)
	assert.Equal(t, session.TypeError, msg["type"])
	assert.Equal(t, "Query text is required", msg["message"])

	write(t, ws, map[string]any{"type": "bogus"})
	msg = read(t, ws)
	assert.Equal(t, "Unknown message type", msg["message"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte("{not json")))
	msg = read(t, ws)
	assert.Equal(t, "Invalid message format", msg["message"])

	// The connection survives bad input.
	write(t, ws, session.Inbound{Type: session.TypePing})
	assert.Equal(t, session.TypePong, read(t, ws)["type"])
}

func TestPluginMessages(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)
	a := dial(t, srv)
	read(t, a)
	b := dial(t, srv)
	read(t, b)

	write(t, a, session.Inbound{Type: session.TypePluginToggle, Plugin: "weather", Action: "enable"})
	for _, ws := range []*websocket.Conn{a, b} {
		msg := read(t, ws)
		assert.Equal(t, session.TypePluginToggled, msg["type"])
		assert.Equal(t, "weather", msg["plugin"])
		assert.Equal(t, true, msg["enabled"])
		assert.Equal(t, []any{"core", "weather"}, msg["enabled_plugins"])
	}

	write(t, a, session.Inbound{Type: session.TypePluginToggle, Plugin: "nope"})
	msg := read(t, a)
	assert.Equal(t, session.TypeError, msg["type"])
	assert.Equal(t, "Unknown plugin: nope", msg["message"])

	write(t, a, session.Inbound{Type: session.TypePluginList})
	msg = read(t, a)
	assert.Equal(t, session.TypePluginListResult, msg["type"])
	plugins, ok := msg["plugins"].([]any)
	require.True(t, ok)
	assert.Len(t, plugins, 2)
}

func TestStatusUpdate(t *testing.T) {
	t.Parallel()
	srv, mgr := newTestServer(t, nil)
	ws := dial(t, srv)
	read(t, ws)

	write(t, ws, session.Inbound{Type: session.TypeStatusUpdate, Status: "listening", Message: "mic open"})
	msg := read(t, ws)
	assert.Equal(t, session.TypeStatusUpdated, msg["type"])
	assert.Equal(t, "listening", msg["status"])

	sessions := mgr.Sessions("user-1")
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StatusListening, sessions[0].Status())

	write(t, ws, session.Inbound{Type: session.TypeStatusUpdate, Status: "dancing"})
	assert.Equal(t, "Unknown status", read(t, ws)["message"])
}

func TestDisconnectRemovesSession(t *testing.T) {
	t.Parallel()
	srv, mgr := newTestServer(t, nil)
	ws := dial(t, srv)
	read(t, ws)
	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	assert.Eventually(t, func() bool {
		return len(mgr.Sessions("user-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	h := NewWebSocketHandler(nil, nil, nil, nil, "https://app.example", false, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, h.checkOrigin(r), tt.origin)
	}
}

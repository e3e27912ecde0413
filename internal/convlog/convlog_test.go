package convlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    "voice_ws",
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: "what time is it",
	})

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "what time is it" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" {
		t.Fatal("expected cleaned content to be populated")
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be set")
	}
}

func TestCloseFlushesQueueAndGlobalLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     64,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		logger.Log(Event{UserID: "u", SessionID: "s", EventType: "user_message"})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Logging after close is ignored.
	logger.Log(Event{UserID: "u", SessionID: "s"})

	for _, path := range []string{filepath.Join(dir, "u", "s.ndjson"), global} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if n := strings.Count(string(data), "\n"); n != 10 {
			t.Fatalf("%s: expected 10 lines, got %d", path, n)
		}
	}
}

func TestDisabledIsNop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", logger)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":            "unknown",
		"..":          "_",
		"user-1":      "user-1",
		"../etc":      ".._etc",
		"a/b\\c":      "a_b_c",
		"me@home.net": "me@home.net",
	}
	for in, want := range tests {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}

type memLogger struct{ events []Event }

func (m *memLogger) Log(e Event)  { m.events = append(m.events, e) }
func (m *memLogger) Close() error { return nil }

func TestRecorderMapsTurns(t *testing.T) {
	t.Parallel()

	mem := &memLogger{}
	rec := NewRecorder(mem)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec.RecordTurn("s1", domain.Turn{ID: "t1", UserID: "u", Role: domain.RoleUser, Content: "hi", CreatedAt: now})
	rec.RecordTurn("s1", domain.Turn{ID: "t2", UserID: "u", Role: domain.RoleAssistant,
		Calls: []domain.FunctionCallRequest{{ID: "call_1", Name: "core_get_time"}}})
	rec.RecordTurn("s1", domain.Turn{ID: "t3", UserID: "u", Role: domain.RoleFunctionResult,
		Call: &domain.FunctionCallRecord{ID: "call_1", Name: "core_get_time", Status: domain.CallSucceeded}})
	rec.RecordTurn("s1", domain.Turn{ID: "t4", UserID: "u", Role: domain.RoleAssistant,
		Content: "Which city?", Marker: domain.MarkerClarification})

	want := []string{"user_message", "function_calls", "function_result", "clarification_request"}
	if len(mem.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(mem.events))
	}
	for i, e := range mem.events {
		if e.EventType != want[i] {
			t.Errorf("event %d: got %q, want %q", i, e.EventType, want[i])
		}
		if e.SessionID != "s1" || e.UserID != "u" {
			t.Errorf("event %d: wrong identity %q/%q", i, e.UserID, e.SessionID)
		}
	}
	if mem.events[0].Timestamp != now.Format(time.RFC3339Nano) {
		t.Errorf("unexpected timestamp %q", mem.events[0].Timestamp)
	}
	if mem.events[2].Meta["function"] != "core_get_time" {
		t.Errorf("unexpected meta %v", mem.events[2].Meta)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}

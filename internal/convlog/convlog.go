// Package convlog writes conversation transcripts as NDJSON, one file per
// user session, off the request path.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
)

const maxOpenFiles = 128

// Event is one transcript line.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Logger accepts transcript events. Log never blocks the caller.
type Logger interface {
	Log(Event)
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(Event)    {}
func (Nop) Close() error { return nil }

// New starts a file logger. A disabled config yields Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	files, err := lru.NewWithEvict(maxOpenFiles, func(path string, f *os.File) {
		if err := f.Close(); err != nil {
			logger.Warn("Failed to close conversation log", "path", path, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	l.files = files

	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

// FileLogger appends events to <dir>/<user>/<session>.ndjson from a single
// writer goroutine. Events are dropped when the queue is full.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}
	files  *lru.Cache[string, *os.File]
	global *os.File

	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
}

// Log enqueues an event.
func (l *FileLogger) Log(e Event) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Content == "" && e.ContentRaw != "" {
		e.Content = cleanForReadability(e.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

// Close drains queued events and closes every file.
func (l *FileLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done

		l.files.Purge()
		if l.global != nil {
			l.closeErr = l.global.Close()
		}
	})
	return l.closeErr
}

func (l *FileLogger) run() {
	defer close(l.done)
	for e := range l.queue {
		line, err := json.Marshal(e)
		if err != nil {
			l.logger.Warn("Failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.write(e.UserID, e.SessionID, line); err != nil {
			l.logger.Warn("Failed to write conversation log", "error", err, "user_id", e.UserID)
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *FileLogger) write(userID, sessionID string, line []byte) error {
	path := filepath.Join(l.cfg.Dir, safeName(userID), safeName(sessionID)+".ndjson")
	f, ok := l.files.Get(path)
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		l.files.Add(path, f)
	}
	_, err := f.Write(line)
	return err
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07`)

// cleanForReadability strips terminal escapes and control characters and
// collapses runs of whitespace.
func cleanForReadability(s string) string {
	s = ansi.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Recorder turns conversation turns into transcript events.
type Recorder struct {
	log Logger
}

// NewRecorder wraps log.
func NewRecorder(log Logger) *Recorder {
	return &Recorder{log: log}
}

// RecordTurn logs one appended turn.
func (r *Recorder) RecordTurn(sessionID string, turn domain.Turn) {
	e := Event{
		UserID:     turn.UserID,
		SessionID:  sessionID,
		Channel:    "voice_ws",
		ContentRaw: turn.Content,
		Meta:       map[string]any{"turn_id": turn.ID},
	}
	if !turn.CreatedAt.IsZero() {
		e.Timestamp = turn.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	switch turn.Role {
	case domain.RoleUser:
		e.Direction = "inbound"
		e.EventType = "user_message"
		if turn.ClarificationContext != "" {
			e.Meta["clarifies"] = turn.ClarificationContext
		}
	case domain.RoleFunctionResult:
		e.Direction = "internal"
		e.EventType = "function_result"
		if c := turn.Call; c != nil {
			e.Meta["call_id"] = c.ID
			e.Meta["function"] = c.Name
			e.Meta["status"] = c.Status
			e.Meta["duration_ms"] = c.Duration.Milliseconds()
			if c.Error != nil {
				e.Meta["error"] = c.Error.Message
			}
		}
	default:
		e.Direction = "outbound"
		e.EventType = "assistant_message"
		if turn.Marker == domain.MarkerClarification {
			e.EventType = "clarification_request"
		}
		if len(turn.Calls) > 0 {
			e.EventType = "function_calls"
			names := make([]string, 0, len(turn.Calls))
			for _, c := range turn.Calls {
				names = append(names, c.Name)
			}
			e.Meta["functions"] = names
		}
	}
	r.log.Log(e)
}

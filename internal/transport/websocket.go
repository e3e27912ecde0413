// Package transport serves the per-user WebSocket protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/identity"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/gaja-assistant/gaja-server/internal/session"
)

const readLimit = 64 << 10

// PluginSettings lists and toggles a user's plugins.
type PluginSettings interface {
	List(ctx context.Context, userID string) ([]plugin.Status, error)
	Enabled(ctx context.Context, userID string) ([]string, error)
	Apply(ctx context.Context, userID, name, action string) (bool, []string, error)
}

// PendingSource reports an unanswered clarification for a user.
type PendingSource interface {
	Pending(userID string) *domain.ClarificationRequest
}

// LastSeenUpdater records user activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// WebSocketHandler accepts client connections and routes their messages.
type WebSocketHandler struct {
	sessions      *session.Manager
	plugins       PluginSettings
	pending       PendingSource
	users         LastSeenUpdater
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. pending and users may be nil.
func NewWebSocketHandler(sessions *session.Manager, plugins PluginSettings, pending PendingSource, users LastSeenUpdater, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		sessions:      sessions,
		plugins:       plugins,
		pending:       pending,
		users:         users,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// wsConn adapts a websocket connection to session.Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, msg any) error {
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.logger.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(readLimit)
	conn := &wsConn{ws: ws}

	ctx := r.Context()
	s, err := h.sessions.OnConnect(ctx, userID, conn)
	if err != nil {
		h.logger.Error("Failed to open session", "error", err, "user_id", userID)
		_ = ws.Close(websocket.StatusTryAgainLater, "session unavailable")
		return
	}
	defer h.sessions.OnDisconnect(s)

	if err := s.Send(ctx, h.handshake(ctx, s)); err != nil {
		h.logger.Debug("Failed to send handshake", "error", err, "user_id", userID)
		return
	}

	h.readLoop(ctx, ws, s)
	h.logger.Info("WebSocket session ended", "user_id", userID, "session_id", s.ID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) handshake(ctx context.Context, s *session.Session) session.Handshake {
	msg := session.Handshake{Type: session.TypeHandshake, SessionID: s.ID, UserID: s.UserID, EnabledPlugins: []string{}}
	if enabled, err := h.plugins.Enabled(ctx, s.UserID); err == nil {
		msg.EnabledPlugins = enabled
	} else {
		h.logger.Warn("Failed to load enabled plugins", "error", err, "user_id", s.UserID)
	}
	if h.pending != nil {
		if req := h.pending.Pending(s.UserID); req != nil {
			msg.Pending = req.Question
		}
	}
	return msg
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, s *session.Session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) || s.Closed() {
				h.logger.Debug("WebSocket closed", "user_id", s.UserID, "session_id", s.ID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", s.UserID)
			}
			return
		}

		var msg session.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, s, session.NewError("Invalid message format"))
			continue
		}

		if !h.handle(ctx, s, msg) {
			return
		}
		h.touch(s.UserID)
	}
}

// handle processes one inbound message. It returns false when the
// connection should end.
func (h *WebSocketHandler) handle(ctx context.Context, s *session.Session, msg session.Inbound) bool {
	switch msg.Type {
	case session.TypeQuery:
		err := h.sessions.OnTurn(s, session.Turn{
			Text:    strings.TrimSpace(msg.Text),
			Context: msg.Context,
			Seq:     msg.Seq,
		})
		switch {
		case err == nil:
		case errors.Is(err, session.ErrOrderingViolation):
			// Dropped and logged by the manager; the client is not told.
		case errors.Is(err, session.ErrEmptyTurn):
			h.reply(ctx, s, session.NewError("Query text is required"))
		case errors.Is(err, session.ErrRateLimited):
			h.reply(ctx, s, session.NewError("Too many requests. Please slow down."))
		case errors.Is(err, session.ErrQueueFull):
			h.reply(ctx, s, session.NewError("Still working on your earlier requests. Please wait."))
		case errors.Is(err, session.ErrClosed):
			return false
		default:
			h.logger.Error("Failed to queue turn", "error", err, "user_id", s.UserID)
			h.reply(ctx, s, session.NewError("Could not process the request"))
		}

	case session.TypePluginToggle:
		h.togglePlugin(ctx, s, msg)

	case session.TypePluginList:
		list, err := h.plugins.List(ctx, s.UserID)
		if err != nil {
			h.logger.Error("Failed to list plugins", "error", err, "user_id", s.UserID)
			h.reply(ctx, s, session.NewError("Could not load plugins"))
			return true
		}
		out := session.PluginList{Type: session.TypePluginListResult, Plugins: make([]session.PluginInfo, 0, len(list))}
		for _, p := range list {
			out.Plugins = append(out.Plugins, session.PluginInfo(p))
		}
		h.reply(ctx, s, out)

	case session.TypeStatusUpdate:
		status := domain.SessionStatus(msg.Status)
		if !status.Valid() {
			h.reply(ctx, s, session.NewError("Unknown status"))
			return true
		}
		s.SetStatus(status, msg.Message)
		h.reply(ctx, s, session.StatusUpdated{Type: session.TypeStatusUpdated, Status: msg.Status, Message: msg.Message})

	case session.TypePing:
		h.reply(ctx, s, session.Pong{Type: session.TypePong})

	default:
		h.reply(ctx, s, session.NewError("Unknown message type"))
	}
	return true
}

func (h *WebSocketHandler) togglePlugin(ctx context.Context, s *session.Session, msg session.Inbound) {
	if msg.Plugin == "" {
		h.reply(ctx, s, session.NewError("Plugin name is required"))
		return
	}
	enabled, names, err := h.plugins.Apply(ctx, s.UserID, msg.Plugin, msg.Action)
	if err != nil {
		if errors.Is(err, plugin.ErrUnknownPlugin) {
			h.reply(ctx, s, session.NewError("Unknown plugin: "+msg.Plugin))
			return
		}
		h.logger.Error("Failed to toggle plugin", "error", err, "user_id", s.UserID, "plugin", msg.Plugin)
		h.reply(ctx, s, session.NewError("Could not update plugin"))
		return
	}
	h.logger.Info("Plugin toggled", "user_id", s.UserID, "plugin", msg.Plugin, "enabled", enabled)

	// Every device of the user sees the new plugin set.
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.sessions.Broadcast(sendCtx, s.UserID, session.PluginToggled{
		Type:           session.TypePluginToggled,
		Plugin:         msg.Plugin,
		Enabled:        enabled,
		EnabledPlugins: names,
	})
}

func (h *WebSocketHandler) reply(ctx context.Context, s *session.Session, msg any) {
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Send(sendCtx, msg); err != nil {
		h.logger.Debug("Failed to send reply", "error", err, "user_id", s.UserID)
	}
}

// touch updates last seen asynchronously with a timeout.
func (h *WebSocketHandler) touch(userID string) {
	if h.users == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			h.logger.Warn("Failed to update last seen", "error", err, "user_id", userID)
		}
	}()
}

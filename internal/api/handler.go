// Package api provides HTTP handlers for the Gaja API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/identity"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/go-chi/chi/v5"
)

// ProviderHealth reports the circuit of every provider in chain order.
type ProviderHealth interface {
	Snapshot() []domain.ProviderHealthState
}

// SessionSource reports live sessions.
type SessionSource interface {
	Snapshot() []domain.SessionInfo
}

// History returns a user's full conversation.
type History interface {
	Full(ctx context.Context, userID string) ([]domain.Turn, error)
}

// PluginSettings lists and toggles a user's plugins.
type PluginSettings interface {
	List(ctx context.Context, userID string) ([]plugin.Status, error)
	Set(ctx context.Context, userID, name string, enabled bool) ([]string, error)
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the HTTP API.
type Handler struct {
	providers ProviderHealth
	sessions  SessionSource
	history   History
	plugins   PluginSettings
	db        Pinger
	started   time.Time
	logger    *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(providers ProviderHealth, sessions SessionSource, history History, plugins PluginSettings, db Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		providers: providers,
		sessions:  sessions,
		history:   history,
		plugins:   plugins,
		db:        db,
		started:   time.Now(),
		logger:    logger,
	}
}

// RegisterRoutes registers the API routes. Routes under /api/users/{userID}
// expect the identity middleware to run first.
func (h *Handler) RegisterRoutes(r chi.Router, userScope func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	r.Get("/api/status", h.Status)
	r.Route("/api/users/{userID}", func(r chi.Router) {
		if userScope != nil {
			r.Use(userScope)
		}
		r.Get("/plugins", h.ListPlugins)
		r.Put("/plugins/{plugin}", h.SetPlugin)
		r.Get("/history", h.GetHistory)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Health reports ok when the database answers and at least one provider
// circuit is not open.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	dbStatus := "ok"
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("Health check database ping failed", "error", err)
			dbStatus = "unreachable"
			status = "degraded"
		}
	}

	providers := h.providers.Snapshot()
	usable := false
	for _, p := range providers {
		if p.State != domain.CircuitOpen {
			usable = true
			break
		}
	}
	if !usable {
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, map[string]any{
		"status":    status,
		"database":  dbStatus,
		"providers": providers,
	})
}

// Status returns live sessions and provider health.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	sessions := h.sessions.Snapshot()
	users := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		users[s.UserID] = struct{}{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"active_users":   len(users),
		"sessions":       sessions,
		"providers":      h.providers.Snapshot(),
	})
}

// ListPlugins returns every registered plugin with the user's enablement.
func (h *Handler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	list, err := h.plugins.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list plugins", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list plugins")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"plugins": list})
}

type setPluginRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetPlugin enables or disables one plugin for the user.
func (h *Handler) SetPlugin(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	name := chi.URLParam(r, "plugin")

	var req setPluginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Enabled == nil {
		Error(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	enabled, err := h.plugins.Set(r.Context(), userID, name, *req.Enabled)
	if err != nil {
		if errors.Is(err, plugin.ErrUnknownPlugin) {
			Error(w, http.StatusNotFound, "unknown plugin")
			return
		}
		h.logger.Error("Failed to update plugin", "error", err, "user_id", userID, "plugin", name)
		Error(w, http.StatusInternalServerError, "failed to update plugin")
		return
	}
	h.logger.Info("Plugin updated", "user_id", userID, "plugin", name, "enabled", *req.Enabled)
	JSON(w, http.StatusOK, map[string]any{
		"plugin":          name,
		"enabled":         *req.Enabled,
		"enabled_plugins": enabled,
	})
}

// GetHistory returns the user's full conversation.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	turns, err := h.history.Full(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to read history", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	JSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}

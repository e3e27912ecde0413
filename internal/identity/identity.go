// Package identity resolves the user behind every request and makes sure the
// user exists before any handler runs.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/go-chi/chi/v5"
)

const (
	AnonCookieName = "gaja_anon_id"
	UserHeaderName = "X-Gaja-User-ID"
	UserURLParam   = "userID"
	anonCookieMax  = 365 * 24 * time.Hour
)

type contextKey int

const userIDKey contextKey = iota

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)

// Users is the subset of the repository identity needs.
type Users interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// Defaults are applied to users created on first contact.
type Defaults struct {
	Tier    domain.Tier
	Plugins []string
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// ValidUserID reports whether id is an acceptable user identifier.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

// EnsureUser creates the user with defaults when it does not exist yet.
func EnsureUser(ctx context.Context, users Users, userID string, defaults Defaults) (*domain.User, error) {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	tier := defaults.Tier
	if !tier.Valid() {
		tier = domain.TierFree
	}
	now := time.Now()
	user = &domain.User{
		UserID:         userID,
		Tier:           tier,
		EnabledPlugins: slices.Clone(defaults.Plugins),
		LastSeenAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if user.EnabledPlugins == nil {
		user.EnabledPlugins = []string{}
	}
	if err := users.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	slog.Info("User created", "user_id", userID, "tier", tier, "plugins", user.EnabledPlugins)
	return user, nil
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMax.Seconds()),
		Expires:  time.Now().Add(anonCookieMax),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// userIDFromRequest prefers the route parameter, then the header, then the
// anonymous device cookie. A device without any gets a new anonymous ID.
func userIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if id := strings.TrimSpace(chi.URLParam(r, UserURLParam)); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(r.Header.Get(UserHeaderName)); id != "" {
		return id, nil
	}
	if c, err := r.Cookie(AnonCookieName); err == nil && ValidUserID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}
	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

// Middleware resolves the user ID, creates the user on first contact and
// stores the ID in the request context.
func Middleware(users Users, defaults Defaults, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := userIDFromRequest(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
				return
			}
			if !ValidUserID(userID) {
				http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
				return
			}

			if _, err := EnsureUser(r.Context(), users, userID, defaults); err != nil {
				slog.Error("Failed to ensure user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

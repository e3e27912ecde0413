package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// UserSource resolves the enabled plugin set of a user.
type UserSource interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// BuilderConfig configures catalog construction.
type BuilderConfig struct {
	DefaultEnabled []string
	CacheSize      int
	ExecTimeout    time.Duration
}

// Builder produces per-user catalog snapshots. Snapshots are cached by
// (user, enabled set, registry version) and rebuilt lazily when any of
// those change.
type Builder struct {
	registry *Registry
	users    UserSource
	defaults []string
	timeout  time.Duration
	cache    *lru.Cache[string, *Catalog]
	group    singleflight.Group
	logger   *slog.Logger
}

// NewBuilder creates a catalog builder.
func NewBuilder(registry *Registry, users UserSource, cfg BuilderConfig, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	cache, err := lru.New[string, *Catalog](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create catalog cache: %w", err)
	}
	return &Builder{
		registry: registry,
		users:    users,
		defaults: cfg.DefaultEnabled,
		timeout:  cfg.ExecTimeout,
		cache:    cache,
		logger:   logger,
	}, nil
}

// Build returns the catalog for a user's currently enabled plugins.
func (b *Builder) Build(ctx context.Context, userID string) (*Catalog, error) {
	enabled, err := b.enabled(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := snapshotKey(userID, enabled, b.registry.Version())
	if c, ok := b.cache.Get(key); ok {
		return c, nil
	}

	v, err, _ := b.group.Do(key, func() (any, error) {
		if c, ok := b.cache.Get(key); ok {
			return c, nil
		}
		var plugins []Plugin
		for _, name := range enabled {
			p, ok := b.registry.Get(name)
			if !ok {
				b.logger.Debug("Enabled plugin not installed", "user_id", userID, "plugin", name)
				continue
			}
			plugins = append(plugins, p)
		}
		c := newCatalog(userID, key, plugins, b.timeout, b.logger)
		b.cache.Add(key, c)
		b.logger.Debug("Catalog built", "user_id", userID, "plugins", len(plugins), "functions", c.Len())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Catalog), nil
}

// Enabled returns the user's enabled plugin names, sorted.
func (b *Builder) Enabled(ctx context.Context, userID string) ([]string, error) {
	return b.enabled(ctx, userID)
}

func (b *Builder) enabled(ctx context.Context, userID string) ([]string, error) {
	user, err := b.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	var names []string
	if user == nil {
		names = slices.Clone(b.defaults)
	} else {
		names = slices.Clone(user.EnabledPlugins)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func snapshotKey(userID string, enabled []string, version uint64) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(enabled, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(version, 10)))
	return userID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

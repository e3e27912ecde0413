package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaja-assistant/gaja-server/internal/api"
	"github.com/gaja-assistant/gaja-server/internal/config"
	"github.com/gaja-assistant/gaja-server/internal/conversation"
	"github.com/gaja-assistant/gaja-server/internal/convlog"
	"github.com/gaja-assistant/gaja-server/internal/dispatch"
	"github.com/gaja-assistant/gaja-server/internal/domain"
	"github.com/gaja-assistant/gaja-server/internal/identity"
	"github.com/gaja-assistant/gaja-server/internal/middleware"
	"github.com/gaja-assistant/gaja-server/internal/plugin"
	"github.com/gaja-assistant/gaja-server/internal/provider"
	"github.com/gaja-assistant/gaja-server/internal/session"
	"github.com/gaja-assistant/gaja-server/internal/store"
	"github.com/gaja-assistant/gaja-server/internal/telemetry"
	"github.com/gaja-assistant/gaja-server/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func serve(parent context.Context, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "providers", len(cfg.Providers))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	transcripts, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if err := transcripts.Close(); err != nil {
			slog.Warn("Failed to close conversation logger", "error", err)
		}
	}()

	// Plugins.
	registry := plugin.NewRegistry()
	if err := registry.Register(plugin.NewCorePlugin()); err != nil {
		return fmt.Errorf("register core plugin: %w", err)
	}
	registerRemotePlugins(ctx, registry, cfg.Plugins.Remote)

	builder, err := plugin.NewBuilder(registry, repo, plugin.BuilderConfig{
		DefaultEnabled: cfg.Plugins.DefaultEnabled,
		CacheSize:      cfg.Plugins.CacheSize,
		ExecTimeout:    cfg.Dispatch.PluginTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize catalog builder: %w", err)
	}
	settings := plugin.NewSettings(registry, builder, repo)

	// Providers.
	adapters, closeAdapters, err := provider.FromConfig(ctx, cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("initialize providers: %w", err)
	}
	defer closeAdapters()

	healthPub := provider.NewHealthPublisher()
	chain := provider.NewChain(adapters, provider.ChainConfig{
		CallTimeout:      cfg.Dispatch.ProviderTimeout,
		RetryAttempts:    cfg.Chain.RetryAttempts,
		RetryInitial:     cfg.Chain.RetryInitial,
		FailureThreshold: cfg.Chain.FailureThreshold,
		CoolDown:         cfg.Chain.CoolDown,
		OnStateChange:    healthPub.Listener(),
	}, logger)
	healthPub.Bind(chain)
	slog.Info("Provider chain ready", "providers", chain.Names())

	// Dispatch and sessions.
	conv := conversation.NewStore(repo, cfg.Dispatch.WindowSize, logger)
	engine := dispatch.NewEngine(chain, builder, conv, dispatch.Config{
		WindowSize:  cfg.Dispatch.WindowSize,
		LoopCap:     cfg.Dispatch.LoopCap,
		TurnTimeout: cfg.Dispatch.TurnTimeout,
		MaxParallel: cfg.Dispatch.MaxParallel,
	}, logger)
	engine.SetRecorder(convlog.NewRecorder(transcripts))

	limiter := session.NewRateLimiter(map[domain.Tier]int{
		domain.TierFree:     cfg.RateLimit.Free,
		domain.TierStandard: cfg.RateLimit.Standard,
		domain.TierPremium:  cfg.RateLimit.Premium,
	}, cfg.RateLimit.Window)
	sessions := session.NewManager(engine, repo, limiter, session.Config{
		IdleTimeout:        cfg.Session.IdleTimeout,
		SweepInterval:      cfg.Session.SweepInterval,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
		QueueSize:          cfg.Session.QueueSize,
	}, logger)

	go limiter.Run(ctx)
	go sessions.RunReaper(ctx, func(userID string) {
		// The conversation stays on disk; only in-memory state is dropped.
		conv.Forget(userID)
		engine.Forget(userID)
	})

	// gRPC health service.
	var grpcServer *grpc.Server
	if cfg.GRPCHealthAddr != "" {
		grpcServer, err = startGRPCHealth(cfg.GRPCHealthAddr, healthPub)
		if err != nil {
			return err
		}
		defer grpcServer.GracefulStop()
	}

	// HTTP.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg, repo, chain, sessions, conv, settings, engine, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Error("Session manager did not drain", "error", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func newRouter(
	cfg *config.Config,
	repo store.Repository,
	chain *provider.Chain,
	sessions *session.Manager,
	conv *conversation.Store,
	settings *plugin.Settings,
	engine *dispatch.Engine,
	logger *slog.Logger,
) http.Handler {
	identityMW := identity.Middleware(repo, identity.Defaults{
		Tier:    domain.TierFree,
		Plugins: cfg.Plugins.DefaultEnabled,
	}, cfg.IsDevelopment())

	origins := []string{"*"}
	if cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins, identity.UserHeaderName))

	apiHandler := api.NewHandler(chain, sessions, conv, settings, repo, logger)
	apiHandler.RegisterRoutes(r, identityMW)

	r.Handle("/metrics", promhttp.Handler())

	allowedOrigin := cfg.FrontendURL
	if allowedOrigin == "" {
		allowedOrigin = "*"
	}
	wsHandler := transport.NewWebSocketHandler(sessions, settings, engine, repo, allowedOrigin, cfg.IsDevelopment(), logger)
	r.With(identityMW).Get("/ws/{userID}", wsHandler.ServeHTTP)

	return r
}

func registerRemotePlugins(ctx context.Context, registry *plugin.Registry, remotes []config.RemotePluginConfig) {
	for _, rp := range remotes {
		loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		p, err := plugin.NewRemotePlugin(loadCtx, rp.Name, rp.Endpoint, rp.Timeout)
		cancel()
		if err != nil {
			slog.Warn("Skipping remote plugin", "plugin", rp.Name, "endpoint", rp.Endpoint, "error", err)
			continue
		}
		if err := registry.Register(p); err != nil {
			slog.Warn("Failed to register remote plugin", "plugin", rp.Name, "error", err)
			continue
		}
		slog.Info("Remote plugin registered", "plugin", rp.Name, "endpoint", rp.Endpoint)
	}
}

func startGRPCHealth(addr string, pub *provider.HealthPublisher) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, pub.Server())
	go func() {
		slog.Info("gRPC health server listening", "addr", addr)
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return s, nil
}

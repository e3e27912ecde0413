// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	ConfigFile     string
	GRPCHealthAddr string // empty disables the gRPC health service

	Dispatch        DispatchConfig
	Chain           ChainConfig
	Session         SessionConfig
	RateLimit       RateLimitConfig
	Plugins         PluginsConfig
	Telemetry       TelemetryConfig
	ConversationLog ConversationLogConfig

	// Providers is the ordered failover list, highest priority first.
	Providers []ProviderConfig
}

// DispatchConfig bounds a single user turn.
type DispatchConfig struct {
	WindowSize      int
	LoopCap         int
	MaxParallel     int
	TurnTimeout     time.Duration
	ProviderTimeout time.Duration
	PluginTimeout   time.Duration
}

// ChainConfig controls provider retries and circuit breaking.
type ChainConfig struct {
	RetryAttempts    int
	RetryInitial     time.Duration
	FailureThreshold int
	CoolDown         time.Duration
}

// SessionConfig controls connection lifecycle.
type SessionConfig struct {
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	MaxSessionsPerUser int
	QueueSize          int
}

// RateLimitConfig holds per-tier request limits within Window.
type RateLimitConfig struct {
	Window   time.Duration
	Free     int
	Standard int
	Premium  int
}

// PluginsConfig controls the function catalog.
type PluginsConfig struct {
	DefaultEnabled []string
	CacheSize      int
	Remote         []RemotePluginConfig
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables and the optional
// YAML file named by GAJA_CONFIG_FILE.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/gaja.db"),
		ConfigFile:     getEnv("GAJA_CONFIG_FILE", "./config/gaja.yaml"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		Dispatch: DispatchConfig{
			WindowSize:      getEnvInt("CONTEXT_WINDOW_SIZE", 20),
			LoopCap:         getEnvInt("FUNCTION_LOOP_CAP", 5),
			MaxParallel:     getEnvInt("FUNCTION_MAX_PARALLEL", 8),
			TurnTimeout:     getEnvDuration("TURN_TIMEOUT", 30*time.Second),
			ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
			PluginTimeout:   getEnvDuration("PLUGIN_TIMEOUT", 10*time.Second),
		},
		Chain: ChainConfig{
			RetryAttempts:    getEnvInt("PROVIDER_RETRY_ATTEMPTS", 2),
			RetryInitial:     getEnvDuration("PROVIDER_RETRY_BACKOFF", 250*time.Millisecond),
			FailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 3),
			CoolDown:         getEnvDuration("CIRCUIT_COOLDOWN", 30*time.Second),
		},
		Session: SessionConfig{
			IdleTimeout:        getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval:      getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			MaxSessionsPerUser: getEnvInt("MAX_SESSIONS_PER_USER", 3),
			QueueSize:          getEnvInt("SESSION_QUEUE_SIZE", 32),
		},
		RateLimit: RateLimitConfig{
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Free:     getEnvInt("RATE_LIMIT_FREE", 20),
			Standard: getEnvInt("RATE_LIMIT_STANDARD", 60),
			Premium:  getEnvInt("RATE_LIMIT_PREMIUM", 240),
		},
		Plugins: PluginsConfig{
			DefaultEnabled: getEnvList("DEFAULT_PLUGINS", []string{"core"}),
			CacheSize:      getEnvInt("CATALOG_CACHE_SIZE", 1024),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getEnvBool("OTEL_ENABLED", false),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "gaja-server"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.loadFile(); err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = providersFromEnv()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Dispatch.WindowSize <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW_SIZE must be > 0")
	}
	if c.Dispatch.LoopCap <= 0 {
		return fmt.Errorf("FUNCTION_LOOP_CAP must be > 0")
	}
	if c.Dispatch.TurnTimeout <= 0 || c.Dispatch.ProviderTimeout <= 0 || c.Dispatch.PluginTimeout <= 0 {
		return fmt.Errorf("dispatch timeouts must be > 0")
	}
	if c.Chain.RetryAttempts <= 0 {
		return fmt.Errorf("PROVIDER_RETRY_ATTEMPTS must be > 0")
	}
	if c.Chain.FailureThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be > 0")
	}
	if c.Session.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("MAX_SESSIONS_PER_USER must be > 0")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	for i, rp := range c.Plugins.Remote {
		if rp.Name == "" || rp.Endpoint == "" {
			return fmt.Errorf("plugins.remote[%d]: name and endpoint are required", i)
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

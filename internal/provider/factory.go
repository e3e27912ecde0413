package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gaja-assistant/gaja-server/internal/config"
)

var defaultBaseURLs = map[string]string{
	config.KindOpenAI:   "https://api.openai.com/v1",
	config.KindDeepSeek: "https://api.deepseek.com/v1",
	config.KindLMStudio: "http://localhost:1234/v1",
	config.KindOllama:   "http://localhost:11434/v1",
}

// FromConfig builds one adapter per configured provider, in order.
// The returned closer releases gRPC connections.
func FromConfig(ctx context.Context, providers []config.ProviderConfig, logger *slog.Logger) ([]Adapter, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	var adapters []Adapter
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	for _, p := range providers {
		client := &http.Client{}
		hc := HTTPConfig{Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey, Model: p.Model, MaxTokens: p.MaxTokens}

		switch p.Kind {
		case config.KindOpenAI, config.KindDeepSeek, config.KindLMStudio, config.KindOllama:
			if hc.BaseURL == "" {
				hc.BaseURL = defaultBaseURLs[p.Kind]
			}
			adapters = append(adapters, NewOpenAIAdapter(hc, client))
		case config.KindAnthropic:
			adapters = append(adapters, NewAnthropicAdapter(hc, client))
		case config.KindGemini:
			a, err := NewGeminiAdapter(ctx, hc, client)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			adapters = append(adapters, a)
		case config.KindGRPC:
			a, err := NewGRPCAdapter(p.Name, p.BaseURL, logger)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("provider %s: %w", p.Name, err)
			}
			closers = append(closers, a.Close)
			adapters = append(adapters, a)
		case config.KindOffline:
			adapters = append(adapters, NewOfflineAdapter(p.Name, ""))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
		logger.Info("Provider configured", "provider", p.Name, "kind", p.Kind, "model", p.Model)
	}
	return adapters, closeAll, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the provider chain.
const (
	KindOpenAI    = "openai"
	KindDeepSeek  = "deepseek"
	KindLMStudio  = "lmstudio"
	KindOllama    = "ollama"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
	KindGRPC      = "grpc"
	KindOffline   = "offline"
)

// ProviderConfig describes one backend in the failover chain.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"`
	Model     string        `yaml:"model"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

func (p ProviderConfig) validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	switch p.Kind {
	case KindOpenAI, KindDeepSeek, KindLMStudio, KindOllama, KindAnthropic, KindGemini:
		if p.Model == "" {
			return fmt.Errorf("provider %q: model is required", p.Name)
		}
	case KindGRPC:
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required for grpc", p.Name)
		}
	case KindOffline:
	default:
		return fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind)
	}
	return nil
}

// RemotePluginConfig declares a plugin served over HTTP.
type RemotePluginConfig struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Endpoint    string        `yaml:"endpoint"`
	Timeout     time.Duration `yaml:"timeout"`
}

type fileConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
	Plugins   struct {
		DefaultEnabled []string             `yaml:"default_enabled"`
		Remote         []RemotePluginConfig `yaml:"remote"`
	} `yaml:"plugins"`
}

// loadFile merges the YAML config file into c. A missing file is not an error.
func (c *Config) loadFile() error {
	if c.ConfigFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.ConfigFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.applyYAML(data)
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	for i := range fc.Providers {
		fc.Providers[i].APIKey = os.ExpandEnv(fc.Providers[i].APIKey)
		fc.Providers[i].BaseURL = os.ExpandEnv(fc.Providers[i].BaseURL)
	}
	c.Providers = fc.Providers
	if len(fc.Plugins.DefaultEnabled) > 0 {
		c.Plugins.DefaultEnabled = fc.Plugins.DefaultEnabled
	}
	c.Plugins.Remote = fc.Plugins.Remote
	return nil
}

// providersFromEnv builds a chain from well-known credentials when no config
// file lists providers. The offline provider is always last.
func providersFromEnv() []ProviderConfig {
	var providers []ProviderConfig
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			Name: "openai", Kind: KindOpenAI, APIKey: key,
			Model: getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			Name: "anthropic", Kind: KindAnthropic, APIKey: key,
			Model: getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		})
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			Name: "gemini", Kind: KindGemini, APIKey: key,
			Model: getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		})
	}
	if key := os.Getenv("DEEPSEEK_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			Name: "deepseek", Kind: KindDeepSeek, APIKey: key,
			Model: getEnv("DEEPSEEK_MODEL", "deepseek-chat"),
		})
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		providers = append(providers, ProviderConfig{
			Name: "ollama", Kind: KindOllama, BaseURL: url,
			Model: getEnv("OLLAMA_MODEL", "llama3.2"),
		})
	}
	if addr := os.Getenv("MODEL_SIDECAR_ADDR"); addr != "" {
		providers = append(providers, ProviderConfig{
			Name: "sidecar", Kind: KindGRPC, BaseURL: addr,
		})
	}
	return append(providers, ProviderConfig{Name: "offline", Kind: KindOffline})
}

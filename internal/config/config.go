// Package config loads agent settings from an optional YAML file and the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MCP_AGENT_BACKEND_BASE_URL.
const EnvPrefix = "MCP_AGENT"

// Catalog sources.
const (
	SourceHTTP          = "http"
	SourceMCPSSE        = "mcp-sse"
	SourceMCPStreamable = "mcp-streamable"
)

// DefaultOllamaURL is used when llm.provider is ollama and llm.base_url is unset.
const DefaultOllamaURL = "http://localhost:11434"

// LLM providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Backend   BackendConfig  `mapstructure:"backend"`
	Catalog   CatalogConfig  `mapstructure:"catalog"`
	Dispatch  DispatchConfig `mapstructure:"dispatch"`
	LLM       LLMConfig      `mapstructure:"llm"`
	LogLevel  string         `mapstructure:"log_level"`
	LogFormat string         `mapstructure:"log_format"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	Source      string        `mapstructure:"source"`
	MCPEndpoint string        `mapstructure:"mcp_endpoint"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type DispatchConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	IDPrefix      string        `mapstructure:"id_prefix"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
}

type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.token", "")
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("catalog.source", SourceHTTP)
	v.SetDefault("catalog.mcp_endpoint", "http://localhost:8080/sse")
	v.SetDefault("catalog.cache_ttl", 10*time.Second)
	v.SetDefault("dispatch.timeout", 30*time.Second)
	v.SetDefault("dispatch.id_prefix", "call_")
	v.SetDefault("dispatch.reconnect_base", 200*time.Millisecond)
	v.SetDefault("dispatch.reconnect_max", 5*time.Second)
	v.SetDefault("llm.provider", ProviderOllama)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gemma:2b")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", 180*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads the config file at path (skipped when empty), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	c.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(c.LLM.BaseURL), "/")
	c.Catalog.Source = strings.ToLower(strings.TrimSpace(c.Catalog.Source))
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	// Empty base_url for openai lets the client use its own endpoint.
	if c.LLM.BaseURL == "" && c.LLM.Provider == ProviderOllama {
		c.LLM.BaseURL = DefaultOllamaURL
	}
}

// Validate checks config correctness.
func (c *Config) Validate() error {
	if err := requireURL(c.Backend.BaseURL, "backend.base_url"); err != nil {
		return err
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	switch c.Catalog.Source {
	case SourceHTTP:
	case SourceMCPSSE, SourceMCPStreamable:
		if err := requireURL(c.Catalog.MCPEndpoint, "catalog.mcp_endpoint"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported catalog.source: %s", c.Catalog.Source)
	}
	switch c.LLM.Provider {
	case ProviderOllama:
	case ProviderOpenAI:
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return fmt.Errorf("llm.api_key is required for provider %s", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("unsupported llm.provider: %s", c.LLM.Provider)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive")
	}
	if c.Dispatch.ReconnectBase <= 0 || c.Dispatch.ReconnectMax < c.Dispatch.ReconnectBase {
		return fmt.Errorf("dispatch.reconnect_base must be positive and not exceed dispatch.reconnect_max")
	}
	return nil
}

func requireURL(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", path, value)
	}
	return nil
}

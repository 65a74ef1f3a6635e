// Package config handles loading and validating proxy configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates nesting levels so keys that contain an underscore survive:
//
//	EDGEPROXY_SERVER__PORT               -> server.port
//	EDGEPROXY_PROVIDERS__GOOGLE__API_KEY -> providers.google.api_key
const EnvPrefix = "EDGEPROXY_"

// Config is the top-level configuration for the edge proxy.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Dispatch  DispatchConfig            `koanf:"dispatch"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	OCR       OCRConfig                 `koanf:"ocr"`
	Search    SearchConfig              `koanf:"search"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int           `koanf:"port"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
}

// LogConfig selects the zap level and encoding ("json" or "console").
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DispatchConfig controls the fallback chain.
type DispatchConfig struct {
	// Timeout bounds every single attempt, not the whole dispatch.
	Timeout time.Duration `koanf:"timeout"`

	// Order lists provider groups in priority order.
	Order []string `koanf:"order"`

	// PreferredGroup is the group whose model list receives the caller's
	// preferred-model hint in its first slot.
	PreferredGroup string `koanf:"preferred_group"`
}

// ProviderConfig holds the settings for a single text-generation provider.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// Configured reports whether a credential is present. Providers without one
// are left out of the fallback chain entirely.
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

// OCRConfig holds settings for the OCR pass-through.
type OCRConfig struct {
	APIKey  string        `koanf:"api_key"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// SearchConfig holds settings for the code-search pass-through.
type SearchConfig struct {
	Token   string        `koanf:"token"`
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// defaults is the base layer. Secrets point at conventional environment
// variable names so a deployment with no config file still works.
func defaults() map[string]any {
	return map[string]any{
		"server.port":            8080,
		"server.read_timeout":    "30s",
		"server.write_timeout":   "120s",
		"server.allowed_origins": []string{"*"},

		"log.level":  "info",
		"log.format": "json",

		"dispatch.timeout":         "15s",
		"dispatch.order":           []string{"edenai", "google", "openrouter"},
		"dispatch.preferred_group": "openrouter",

		"providers.edenai.api_key":  "${EDENAI_API_KEY}",
		"providers.edenai.base_url": "https://api.edenai.run/v2",
		"providers.edenai.models":   []string{"openai"},

		"providers.google.api_key":  "${GEMINI_API_KEY}",
		"providers.google.base_url": "https://generativelanguage.googleapis.com/v1beta",
		"providers.google.models":   []string{"gemini-1.5-flash"},

		"providers.openrouter.api_key":  "${OPENROUTER_API_KEY}",
		"providers.openrouter.base_url": "https://openrouter.ai/api/v1",
		"providers.openrouter.models": []string{
			"meta-llama/llama-3.2-3b-instruct:free",
			"mistralai/mistral-7b-instruct:free",
		},

		"providers.anthropic.api_key":  "${ANTHROPIC_API_KEY}",
		"providers.anthropic.base_url": "https://api.anthropic.com/v1",
		"providers.anthropic.models":   []string{"claude-3-5-haiku-latest"},

		"ocr.api_key":  "${OCR_API_KEY}",
		"ocr.base_url": "https://api.ocr.space",
		"ocr.timeout":  "30s",

		"search.token":    "${GITHUB_TOKEN}",
		"search.base_url": "https://api.github.com",
		"search.timeout":  "15s",
	}
}

// Load builds a Config from three layers: built-in defaults, an optional YAML
// file at path, and EDGEPROXY_ environment overrides. A missing file is not
// an error; an edge deployment usually has only environment variables.
func Load(path string) (*Config, error) {
	// --- Step 1: .env ---
	//
	// godotenv copies KEY=value lines from ./.env into the process
	// environment without overwriting anything already set. The file is
	// optional, so the error is ignored. Loading it first means both the
	// EDGEPROXY_ overrides and the ${VAR} secrets below can come from it.
	_ = godotenv.Load()

	// koanf.New(".") creates an empty key/value tree where "." separates
	// nesting levels: "dispatch.timeout" is the timeout key inside the
	// dispatch section. Each k.Load merges on top of what's already there,
	// so later layers win.
	k := koanf.New(".")

	// --- Step 2: built-in defaults ---
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// --- Step 3: the optional YAML file ---
	//
	// A missing file is fine. Any other stat error (permissions, a
	// directory in the way) is reported rather than silently skipped.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}
	}

	// --- Step 4: EDGEPROXY_ environment overrides ---
	//
	// envValue maps each variable name to a koanf key and splits
	// comma-separated values for list settings, so
	// EDGEPROXY_DISPATCH__ORDER=google,openrouter becomes a two-element
	// list instead of one provider named "google,openrouter".
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// --- Step 5: decode, expand secrets, validate ---
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.APIKey = expandEnv(p.APIKey)
		cfg.Providers[name] = p
	}
	cfg.OCR.APIKey = expandEnv(cfg.OCR.APIKey)
	cfg.Search.Token = expandEnv(cfg.Search.Token)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps EDGEPROXY_DISPATCH__PREFERRED_GROUP to dispatch.preferred_group.
func envKey(s string) string {
	return strings.ReplaceAll(
		strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
		"__", ".",
	)
}

// envValue is the env provider callback. List-valued keys take a
// comma-separated value; blank entries are dropped.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if !isListKey(key) {
		return key, value
	}

	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

// isListKey reports whether key holds a []string in Config.
func isListKey(key string) bool {
	switch key {
	case "server.allowed_origins", "dispatch.order":
		return true
	}
	// providers.<name>.models
	parts := strings.Split(key, ".")
	return len(parts) == 3 && parts[0] == "providers" && parts[2] == "models"
}

// expandEnv resolves a whole-value ${VAR_NAME} placeholder. Anything else is
// returned unchanged. An unset variable resolves to "", which leaves the
// owning provider unconfigured.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

// Validate checks the settings the dispatcher relies on.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch.timeout must be positive, got %s", c.Dispatch.Timeout)
	}
	for _, name := range c.Dispatch.Order {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("dispatch.order references unknown provider %q", name)
		}
	}
	return nil
}

// ConfiguredProviders returns the providers in dispatch order that have a
// credential. Used for startup logging; the values never include the key.
func (c *Config) ConfiguredProviders() []string {
	var names []string
	for _, name := range c.Dispatch.Order {
		if c.Providers[name].Configured() {
			names = append(names, name)
		}
	}
	return names
}

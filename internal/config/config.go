// Package config handles prism configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/prism/config.yaml, /etc/prism/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "prism", "config.yaml"))
	}

	paths = append(paths, "/etc/prism/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all prism configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	Database  DatabaseConfig  `yaml:"database"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Engine    EngineConfig    `yaml:"engine"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Finance   FinanceConfig   `yaml:"finance"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go).
	Driver string `yaml:"driver"`
	// Path defaults to <data_dir>/prism.db.
	Path string `yaml:"path"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// ModelsConfig maps reasoning tiers to concrete models.
type ModelsConfig struct {
	OllamaURL string `yaml:"ollama_url"`
	// Tiers maps a tier name ("reasoning", "fast") to a model.
	Tiers map[string]TierConfig `yaml:"tiers"`
	// RequestsPerSecond caps outbound model calls. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	// Pricing maps a model name to its cost. Unlisted models are free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is a model's cost in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// TierConfig is one tier's model binding.
type TierConfig struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"` // ollama or anthropic
}

// EngineConfig tunes the execution coordinator.
type EngineConfig struct {
	MaxFacts          int           `yaml:"max_facts"`
	MaxSteps          int           `yaml:"max_steps"` // 0 = unlimited
	MaxConcurrent     int           `yaml:"max_concurrent"`
	ModelTier         string        `yaml:"model_tier"`
	MaxTokens         int           `yaml:"max_tokens"`
	ModelTimeout      time.Duration `yaml:"model_timeout"`
	CapabilityTimeout time.Duration `yaml:"capability_timeout"`
	ProgramTimeout    time.Duration `yaml:"program_timeout"`
}

// SandboxConfig restricts generated programs.
type SandboxConfig struct {
	AllowedImports []string      `yaml:"allowed_imports"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
}

// MQTTConfig defines the optional approval event publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// FinanceConfig holds reporting thresholds served by get_thresholds.
type FinanceConfig struct {
	VATThreshold         float64 `yaml:"vat_threshold"`
	PITThreshold         float64 `yaml:"pit_threshold"`
	WithholdingThreshold float64 `yaml:"withholding_threshold"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults are applied to
// anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "prism.db")
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if len(c.Models.Tiers) == 0 {
		c.Models.Tiers = map[string]TierConfig{
			"reasoning": {Model: "qwen2.5:72b", Provider: "ollama"},
			"fast":      {Model: "qwen3:4b", Provider: "ollama"},
		}
	}
	for name, t := range c.Models.Tiers {
		if t.Provider == "" {
			t.Provider = "ollama"
			c.Models.Tiers[name] = t
		}
	}
	if c.Models.Burst == 0 {
		c.Models.Burst = 1
	}
	if c.Engine.MaxFacts == 0 {
		c.Engine.MaxFacts = 10
	}
	if c.Engine.MaxSteps == 0 {
		c.Engine.MaxSteps = 256
	}
	if c.Engine.ModelTier == "" {
		c.Engine.ModelTier = "reasoning"
	}
	if c.Engine.MaxTokens == 0 {
		c.Engine.MaxTokens = 4096
	}
	if c.Engine.ModelTimeout == 0 {
		c.Engine.ModelTimeout = 2 * time.Minute
	}
	if c.Engine.CapabilityTimeout == 0 {
		c.Engine.CapabilityTimeout = 30 * time.Second
	}
	if c.Engine.ProgramTimeout == 0 {
		c.Engine.ProgramTimeout = 5 * time.Minute
	}
	if c.Sandbox.CompileTimeout == 0 {
		c.Sandbox.CompileTimeout = 10 * time.Second
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "prism"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "prism"
	}
	if c.Finance.VATThreshold == 0 {
		c.Finance.VATThreshold = 25_000_000
	}
	if c.Finance.PITThreshold == 0 {
		c.Finance.PITThreshold = 800_000
	}
	if c.Finance.WithholdingThreshold == 0 {
		c.Finance.WithholdingThreshold = 100_000
	}
}

// Validate checks the configuration for values that would fail later
// in less obvious ways.
func (c *Config) Validate() error {
	var problems []string

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		problems = append(problems, fmt.Sprintf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, ok := c.Models.Tiers[c.Engine.ModelTier]; !ok {
		problems = append(problems, fmt.Sprintf("engine.model_tier %q has no entry in models.tiers", c.Engine.ModelTier))
	}
	for name, t := range c.Models.Tiers {
		if t.Model == "" {
			problems = append(problems, fmt.Sprintf("models.tiers.%s.model is empty", name))
		}
		switch t.Provider {
		case "ollama":
		case "anthropic":
			if !c.Anthropic.Configured() {
				problems = append(problems, fmt.Sprintf("models.tiers.%s uses anthropic but anthropic.api_key is empty", name))
			}
		default:
			problems = append(problems, fmt.Sprintf("models.tiers.%s.provider %q (valid: ollama, anthropic)", name, t.Provider))
		}
	}
	if c.Engine.MaxSteps < 0 {
		problems = append(problems, "engine.max_steps must not be negative")
	}
	if c.Engine.MaxConcurrent < 0 {
		problems = append(problems, "engine.max_concurrent must not be negative")
	}
	if c.Engine.ProgramTimeout < 0 {
		problems = append(problems, "engine.program_timeout must not be negative")
	}
	for model, p := range c.Models.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			problems = append(problems, fmt.Sprintf("models.pricing.%s must not be negative", model))
		}
	}
	if c.Models.RequestsPerSecond < 0 {
		problems = append(problems, "models.requests_per_second must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/prism\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("listen.port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("database.driver = %q, want sqlite3", cfg.Database.Driver)
	}
	if want := filepath.Join("/var/lib/prism", "prism.db"); cfg.Database.Path != want {
		t.Errorf("database.path = %q, want %q", cfg.Database.Path, want)
	}
	if cfg.Engine.MaxFacts != 10 {
		t.Errorf("engine.max_facts = %d, want 10", cfg.Engine.MaxFacts)
	}
	if cfg.Engine.MaxSteps != 256 {
		t.Errorf("engine.max_steps = %d, want 256", cfg.Engine.MaxSteps)
	}
	if _, ok := cfg.Models.Tiers["reasoning"]; !ok {
		t.Error("default tiers should include reasoning")
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("engine:\n  model_timeout: 45s\n  capability_timeout: 5s\n  program_timeout: 90s\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Engine.ModelTimeout != 45*time.Second {
		t.Errorf("model_timeout = %v, want 45s", cfg.Engine.ModelTimeout)
	}
	if cfg.Engine.CapabilityTimeout != 5*time.Second {
		t.Errorf("capability_timeout = %v, want 5s", cfg.Engine.CapabilityTimeout)
	}
	if cfg.Engine.ProgramTimeout != 90*time.Second {
		t.Errorf("program_timeout = %v, want 90s", cfg.Engine.ProgramTimeout)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker: mqtt://localhost:1883\n  password: ${PRISM_TEST_MQTT_PASSWORD}\n"), 0600)
	t.Setenv("PRISM_TEST_MQTT_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if !cfg.MQTT.Configured() {
		t.Error("mqtt should report configured")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("anthropic:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-ant-test-key")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Database.Driver = "postgres" },
			wantErr: "database.driver",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "unknown log level",
		},
		{
			name:    "unknown model tier",
			mutate:  func(c *Config) { c.Engine.ModelTier = "genius" },
			wantErr: "engine.model_tier",
		},
		{
			name: "anthropic tier without key",
			mutate: func(c *Config) {
				c.Models.Tiers["reasoning"] = TierConfig{Model: "claude-sonnet-4-20250514", Provider: "anthropic"}
			},
			wantErr: "anthropic.api_key",
		},
		{
			name:    "negative steps",
			mutate:  func(c *Config) { c.Engine.MaxSteps = -1 },
			wantErr: "max_steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

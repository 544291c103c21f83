// Package config holds all triage configuration. Configuration comes from an
// optional triage.yaml, with environment variables taking precedence for
// credentials and mode switches. Secrets are never read from files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for one triage invocation.
type Config struct {
	// Model configuration for the batch assessment stage.
	Model ModelConfig `yaml:"model"`

	// Mistral batch service configuration.
	Mistral MistralConfig `yaml:"mistral"`

	// HigherGov upstream configuration.
	HigherGov HigherGovConfig `yaml:"highergov"`

	// Knockout rule pack path. Empty means the embedded default pack.
	PackPath string `yaml:"pack_path"`

	// Output root directory.
	OutputRoot string `yaml:"output_root"`

	// Attended controls whether Wait polls without an overall deadline.
	// MONITOR_BATCH=n switches to non-attended.
	Attended bool `yaml:"attended"`

	// SkipVerification skips the warmup call before batch submission.
	SkipVerification bool `yaml:"skip_verification"`
}

// ModelConfig pins the model identity and sampling parameters. The request
// builder substitutes these verbatim; it never chooses them.
type ModelConfig struct {
	ID          string  `yaml:"id"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// MistralConfig configures the batch inference client.
type MistralConfig struct {
	APIKey       string `yaml:"-"` // environment only
	BaseURL      string `yaml:"base_url"`
	Timeout      string `yaml:"timeout"`
	PollInterval string `yaml:"poll_interval"`
	WaitTimeout  string `yaml:"wait_timeout"` // non-attended mode only
}

// HigherGovConfig configures the upstream opportunity client.
type HigherGovConfig struct {
	APIKey   string `yaml:"-"` // environment only
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
	MaxPages int    `yaml:"max_pages"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			ID:          "ag:sos-triage-agent:latest",
			Temperature: 0.1,
			MaxTokens:   2048,
		},
		Mistral: MistralConfig{
			BaseURL:      "https://api.mistral.ai",
			Timeout:      "120s",
			PollInterval: "30s",
			WaitTimeout:  "4h",
		},
		HigherGov: HigherGovConfig{
			BaseURL:  "https://www.highergov.com/api-external",
			Timeout:  "120s",
			MaxPages: 10,
		},
		OutputRoot: "SOS_Output",
		Attended:   true,
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides. A .env file
// in the working directory is honored before the environment is read.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("MISTRAL_API_KEY"); key != "" {
		c.Mistral.APIKey = key
	}
	if key := os.Getenv("HIGHERGOV_API_KEY"); key != "" {
		c.HigherGov.APIKey = key
	}
	if v := os.Getenv("SKIP_AGENT_VERIFICATION"); v != "" {
		c.SkipVerification = true
	}
	if v := os.Getenv("MONITOR_BATCH"); v == "n" {
		c.Attended = false
	}
	if url := os.Getenv("MISTRAL_BASE_URL"); url != "" {
		c.Mistral.BaseURL = url
	}
	if url := os.Getenv("HIGHERGOV_BASE_URL"); url != "" {
		c.HigherGov.BaseURL = url
	}
	if id := os.Getenv("SOS_MODEL_ID"); id != "" {
		c.Model.ID = id
	}
}

// Validate enforces required credentials. The caller maps a failure to the
// bad-input exit code.
func (c *Config) Validate() error {
	if c.Mistral.APIKey == "" {
		return fmt.Errorf("MISTRAL_API_KEY not set")
	}
	if c.HigherGov.APIKey == "" {
		return fmt.Errorf("HIGHERGOV_API_KEY not set")
	}
	if c.Model.ID == "" {
		return fmt.Errorf("model id not configured")
	}
	return nil
}

// HTTPTimeout returns the per-request deadline for the Mistral client.
func (c *Config) HTTPTimeout() time.Duration {
	return parseDuration(c.Mistral.Timeout, 120*time.Second)
}

// UpstreamTimeout returns the per-request deadline for the HigherGov client.
func (c *Config) UpstreamTimeout() time.Duration {
	return parseDuration(c.HigherGov.Timeout, 120*time.Second)
}

// PollInterval returns the delay between batch status probes.
func (c *Config) PollInterval() time.Duration {
	return parseDuration(c.Mistral.PollInterval, 30*time.Second)
}

// WaitTimeout returns the overall batch wait deadline. Zero means no
// deadline (attended mode).
func (c *Config) WaitTimeout() time.Duration {
	if c.Attended {
		return 0
	}
	return parseDuration(c.Mistral.WaitTimeout, 4*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

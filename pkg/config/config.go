// Package config loads the agentd.yaml configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type RetryConfig struct {
	MaxAttempts int        `yaml:"max_attempts"`
	Backoff     []Duration `yaml:"backoff"`
}

type NotifyConfig struct {
	URL   string `yaml:"url"`
	Topic string `yaml:"topic"`
}

type EmailConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type Config struct {
	StorePath     string `yaml:"store_path"`
	ListenAddr    string `yaml:"listen_addr"`
	AgentCommand  string `yaml:"agent_command"`
	WorkDir       string `yaml:"work_dir"`
	WorkspaceRoot string `yaml:"workspace_root"`
	Debug         bool   `yaml:"debug"`

	RunTimeout       Duration `yaml:"run_timeout"`
	AgentTimeout     Duration `yaml:"agent_timeout"`
	SynthesisTimeout Duration `yaml:"synthesis_timeout"`

	Retry  RetryConfig  `yaml:"retry"`
	Notify NotifyConfig `yaml:"notify"`
	Email  EmailConfig  `yaml:"email"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StorePath:        "agentd.db",
		ListenAddr:       ":8420",
		AgentCommand:     "claude -p",
		WorkDir:          ".",
		WorkspaceRoot:    "workspaces",
		RunTimeout:       Duration(time.Hour),
		AgentTimeout:     Duration(30 * time.Minute),
		SynthesisTimeout: Duration(10 * time.Minute),
		Retry:            RetryConfig{MaxAttempts: 3},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// BackoffLadder converts the configured retry delays.
func (c *Config) BackoffLadder() []time.Duration {
	if len(c.Retry.Backoff) == 0 {
		return nil
	}
	out := make([]time.Duration, len(c.Retry.Backoff))
	for i, d := range c.Retry.Backoff {
		out[i] = d.Std()
	}
	return out
}

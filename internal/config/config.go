package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vibeflow.yml.
type Config struct {
	Workspace string `yaml:"workspace"`
	Agent     struct {
		Model          string `yaml:"model"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"agent"`
	Planner struct {
		Workers             int `yaml:"workers"`
		QueueCap            int `yaml:"queue_cap"`
		DeadlineOffsetHours int `yaml:"deadline_offset_hours"`
	} `yaml:"planner"`
	Feed struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"feed"`
	Provisioner struct {
		BaseDir         string   `yaml:"base_dir"`
		ScaffoldCommand []string `yaml:"scaffold_command"`
	} `yaml:"provisioner"`
	Pipeline struct {
		BuildCommand   []string `yaml:"build_command"`
		PublishCommand []string `yaml:"publish_command"`
	} `yaml:"pipeline"`
	Notifier struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notifier"`
	Server struct {
		Addr         string `yaml:"addr"`
		SharedSecret string `yaml:"shared_secret"`
	} `yaml:"server"`
	Daily struct {
		Enabled bool `yaml:"enabled"`
		Count   int  `yaml:"count"`
	} `yaml:"daily"`
	Cleanup struct {
		Enabled        bool `yaml:"enabled"`
		RetentionHours int  `yaml:"retention_hours"`
	} `yaml:"cleanup"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vibes init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Planner.Workers < 0 {
		return fmt.Errorf("config.planner.workers must not be negative")
	}
	if c.Planner.DeadlineOffsetHours < 0 {
		return fmt.Errorf("config.planner.deadline_offset_hours must not be negative")
	}
	if c.Feed.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.feed.poll_interval_seconds must not be negative")
	}
	if c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("config.agent.timeout_seconds must not be negative")
	}
	if len(c.Pipeline.BuildCommand) == 0 {
		return fmt.Errorf("config.pipeline.build_command is required")
	}
	if len(c.Pipeline.PublishCommand) == 0 {
		return fmt.Errorf("config.pipeline.publish_command is required")
	}
	if len(c.Provisioner.ScaffoldCommand) == 0 {
		return fmt.Errorf("config.provisioner.scaffold_command is required")
	}
	if c.Daily.Count < 0 {
		return fmt.Errorf("config.daily.count must not be negative")
	}
	if c.Cleanup.RetentionHours < 0 {
		return fmt.Errorf("config.cleanup.retention_hours must not be negative")
	}
	return nil
}

// APIKey resolves the agent API key; the environment wins over yaml so
// secrets can stay out of the file.
func (c *Config) APIKey() string {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		return v
	}
	return c.Agent.APIKey
}

// AgentTimeout returns the per-invocation timeout, zero meaning the
// client default.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Feed.PollIntervalSeconds) * time.Second
}

func (c *Config) DeadlineOffset() time.Duration {
	return time.Duration(c.Planner.DeadlineOffsetHours) * time.Hour
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Cleanup.RetentionHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vibeflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template is broken: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields the
// file leaves out keep their built-in defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace: .

agent:
  model: claude-3-5-haiku-latest
  timeout_seconds: 120

planner:
  workers: 4
  queue_cap: 64
  deadline_offset_hours: 24

feed:
  poll_interval_seconds: 2

provisioner:
  base_dir: apps
  scaffold_command: [flutter, create]

pipeline:
  build_command: [flutter, build, web]
  publish_command: [firebase, deploy, --only, hosting]

notifier:
  webhook_url: ""

server:
  addr: ":8787"
  shared_secret: ""

daily:
  enabled: false
  count: 5

cleanup:
  enabled: false
  retention_hours: 24
`

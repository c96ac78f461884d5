// Package config provides YAML-based configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Signalbox configuration, loaded from config.yaml.
// It is treated as immutable once loaded; the worker never writes it back.
type Config struct {
	MachineID string          `yaml:"machine_id"`
	WorkerID  string          `yaml:"worker_id"`
	Secret    string          `yaml:"secret"`
	Store     StoreConfig     `yaml:"store"`
	Agent     AgentConfig     `yaml:"agent"`
	Intervals IntervalConfig  `yaml:"intervals"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
}

// StoreConfig holds connection settings for the coordination store's SQL server.
type StoreConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// AgentConfig holds settings for the local agent runtime server.
type AgentConfig struct {
	BaseURL    string `yaml:"base_url"`
	WorkingDir string `yaml:"working_dir"`
}

// IntervalConfig holds the worker's timer intervals, in seconds.
type IntervalConfig struct {
	HeartbeatSeconds    int `yaml:"heartbeat_seconds"`
	ApprovalPollSeconds int `yaml:"approval_poll_seconds"`
	ReconcileSeconds    int `yaml:"reconcile_seconds"`
}

// Heartbeat returns the heartbeat interval as a duration.
func (c IntervalConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// ApprovalPoll returns the approval polling interval as a duration.
func (c IntervalConfig) ApprovalPoll() time.Duration {
	return time.Duration(c.ApprovalPollSeconds) * time.Second
}

// Reconcile returns the reconciliation interval as a duration.
func (c IntervalConfig) Reconcile() time.Duration {
	return time.Duration(c.ReconcileSeconds) * time.Second
}

// DashboardConfig holds settings for the status dashboard. A zero port
// disables the dashboard.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// TelegraphConfig holds chat notification settings. Adapters with empty
// tokens are not started.
type TelegraphConfig struct {
	DigestCron string        `yaml:"digest_cron"`
	Slack      SlackConfig   `yaml:"slack"`
	Discord    DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack bot credentials and the target channel.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord bot credentials and the target channel.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Store.Host == "" {
		c.Store.Host = "127.0.0.1"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Store.Database == "" {
		c.Store.Database = "signalbox"
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = "http://127.0.0.1:4747"
	}
	if c.Agent.WorkingDir == "" {
		c.Agent.WorkingDir, _ = os.Getwd()
	}
	if c.Intervals.HeartbeatSeconds <= 0 {
		c.Intervals.HeartbeatSeconds = 10
	}
	if c.Intervals.ApprovalPollSeconds <= 0 {
		c.Intervals.ApprovalPollSeconds = 5
	}
	if c.Intervals.ReconcileSeconds <= 0 {
		c.Intervals.ReconcileSeconds = 30
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.MachineID == "" {
		errs = append(errs, "machine_id is required")
	}
	if c.WorkerID == "" {
		errs = append(errs, "worker_id is required")
	}
	if c.Agent.WorkingDir == "" {
		errs = append(errs, "agent.working_dir is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

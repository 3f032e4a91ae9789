// Package config handles Factotum configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/factotum/config.yaml, /etc/factotum/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "factotum", "config.yaml"))
	}

	paths = append(paths, "/etc/factotum/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
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

// Config holds all Factotum configuration.
type Config struct {
	Trigger  TriggerConfig `yaml:"trigger"`
	Catalog  CatalogConfig `yaml:"catalog"`
	Planner  PlannerConfig `yaml:"planner"`
	Agent    AgentConfig   `yaml:"agent"`
	History  HistoryConfig `yaml:"history"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
}

// TriggerConfig defines the trigger subscription settings.
type TriggerConfig struct {
	// Transport selects how trigger events are delivered:
	// "websocket" (default) or "mqtt".
	Transport string `yaml:"transport"`
	// URL is the websocket subscription endpoint.
	URL string `yaml:"url"`
	// TriggerID scopes the subscription to one dashboard-configured trigger.
	TriggerID string `yaml:"trigger_id"`
	// AssistantAddress is the address the assistant sends from. Events
	// whose sender matches it are dropped to avoid reply loops.
	AssistantAddress string `yaml:"assistant_address"`
	// DedupCacheSize bounds the recent-event-id cache.
	DedupCacheSize int `yaml:"dedup_cache_size"`
	// DialTimeoutSec is the per-attempt connection timeout.
	DialTimeoutSec int `yaml:"dial_timeout_sec"`
	// DispatchRetries bounds requeue attempts for a failed dispatch.
	DispatchRetries int `yaml:"dispatch_retries"`

	// MQTT settings, used when Transport is "mqtt".
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the MQTT trigger transport settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://, mqtts:// or ssl:// URL
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Topic is the subscription topic carrying trigger event payloads.
	Topic string `yaml:"topic"`
	// ClientID identifies this instance to the broker. Defaults to
	// "factotum-" plus the persisted instance ID.
	ClientID string `yaml:"client_id"`
}

// CatalogConfig defines the tool catalog service settings.
type CatalogConfig struct {
	// APIKey authenticates session creation and MCP calls. Required.
	APIKey string `yaml:"api_key"`
	// BaseURL is the catalog API root (session creation endpoint).
	BaseURL string `yaml:"base_url"`
	// ReplyTool is the catalog tool slug used for thread replies.
	ReplyTool string `yaml:"reply_tool"`

	SessionCreateTimeoutSec int `yaml:"session_create_timeout_sec"`
	SearchTimeoutSec        int `yaml:"search_timeout_sec"`
	ExecuteTimeoutSec       int `yaml:"execute_timeout_sec"`
	// SessionRetries bounds session creation attempts per event.
	SessionRetries int `yaml:"session_retries"`
}

// PlannerConfig defines the reasoning engine settings.
type PlannerConfig struct {
	// APIKey authenticates planner calls. Required.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	// StepTimeoutSec bounds one planning round-trip.
	StepTimeoutSec int `yaml:"step_timeout_sec"`
	MaxTokens      int `yaml:"max_tokens"`
}

// AgentConfig defines agent loop bounds.
type AgentConfig struct {
	// StepLimit is the hard maximum number of turns per run.
	StepLimit int `yaml:"step_limit"`
	// ExecRetries bounds retries of a retryable tool execution failure.
	ExecRetries int `yaml:"exec_retries"`
	// HistoryLimit caps how many stored messages are loaded per run.
	HistoryLimit int `yaml:"history_limit"`
}

// HistoryConfig defines conversation history persistence.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxMessages caps stored messages per conversation before pruning.
	MaxMessages int `yaml:"max_messages"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// credentials. Validate will reject it until the API keys are set.
func Default() *Config {
	return &Config{
		Trigger: TriggerConfig{
			Transport:       "websocket",
			DedupCacheSize:  4096,
			DialTimeoutSec:  10,
			DispatchRetries: 3,
		},
		Catalog: CatalogConfig{
			ReplyTool:               "GMAIL_REPLY_TO_THREAD",
			SessionCreateTimeoutSec: 15,
			SearchTimeoutSec:        20,
			ExecuteTimeoutSec:       60,
			SessionRetries:          2,
		},
		Planner: PlannerConfig{
			Model:          "claude-sonnet-4-5",
			StepTimeoutSec: 120,
			MaxTokens:      4096,
		},
		Agent: AgentConfig{
			StepLimit:    16,
			ExecRetries:  3,
			HistoryLimit: 40,
		},
		History: HistoryConfig{
			Enabled:     true,
			MaxMessages: 200,
		},
		DataDir: ".",
	}
}

// Validate checks that required credentials and enum fields are present.
// Missing credentials are a startup failure: the listener must not come
// up partially configured.
func (c *Config) Validate() error {
	if c.Catalog.APIKey == "" {
		return fmt.Errorf("catalog.api_key is required")
	}
	if c.Catalog.BaseURL == "" {
		return fmt.Errorf("catalog.base_url is required")
	}
	if c.Planner.APIKey == "" {
		return fmt.Errorf("planner.api_key is required")
	}

	switch c.Trigger.Transport {
	case "websocket":
		if c.Trigger.URL == "" {
			return fmt.Errorf("trigger.url is required for the websocket transport")
		}
	case "mqtt":
		if c.Trigger.MQTT.Broker == "" {
			return fmt.Errorf("trigger.mqtt.broker is required for the mqtt transport")
		}
		if c.Trigger.MQTT.Topic == "" {
			return fmt.Errorf("trigger.mqtt.topic is required for the mqtt transport")
		}
	default:
		return fmt.Errorf("unknown trigger.transport %q (valid: websocket, mqtt)", c.Trigger.Transport)
	}

	return nil
}

// DialTimeout returns the trigger connection timeout as a Duration.
func (c *TriggerConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSec) * time.Second
}

// SessionCreateTimeout returns the session creation timeout as a Duration.
func (c *CatalogConfig) SessionCreateTimeout() time.Duration {
	return time.Duration(c.SessionCreateTimeoutSec) * time.Second
}

// SearchTimeout returns the tool search timeout as a Duration.
func (c *CatalogConfig) SearchTimeout() time.Duration {
	return time.Duration(c.SearchTimeoutSec) * time.Second
}

// ExecuteTimeout returns the tool execution timeout as a Duration.
func (c *CatalogConfig) ExecuteTimeout() time.Duration {
	return time.Duration(c.ExecuteTimeoutSec) * time.Second
}

// StepTimeout returns the planner step timeout as a Duration.
func (c *PlannerConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSec) * time.Second
}

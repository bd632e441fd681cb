// Package config loads the process configuration from a YAML file,
// applying defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Anthropic Anthropic `yaml:"anthropic"`
	Embedding Embedding `yaml:"embedding"`
	Napcat    Napcat    `yaml:"napcat"`
	Agent     Agent     `yaml:"agent"`
}

// Anthropic configures turn execution.
type Anthropic struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Embedding configures the embedding/rerank API.
type Embedding struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	RerankModel    string `yaml:"rerank_model"`
	Dimensions     int    `yaml:"dimensions"`
}

// Napcat configures the chat-platform transport.
type Napcat struct {
	URL               string        `yaml:"url"`
	AccessToken       string        `yaml:"access_token"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// Agent configures per-session behavior.
type Agent struct {
	SystemPromptPath    string  `yaml:"system_prompt_path"`
	DataDir             string  `yaml:"data_dir"`
	TriggerSize         int     `yaml:"trigger_size"`
	IncludeToolResults  bool    `yaml:"include_tool_results"`
	SearchThreshold     float64 `yaml:"search_threshold"`
	RecallLimit         int     `yaml:"recall_limit"`
	SearchContextWindow int     `yaml:"search_context_window"`
	ReplyTrigger        bool    `yaml:"reply_trigger"`
}

// Load reads and parses a config file. API keys fall back to the
// ANTHROPIC_API_KEY and SILICONFLOW_API_KEY environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv("SILICONFLOW_API_KEY")
	}
	if c.Napcat.URL == "" {
		c.Napcat.URL = "ws://127.0.0.1:11451"
	}
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = "data/sessions"
	}
}

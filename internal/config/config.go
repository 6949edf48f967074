// Package config handles aicd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aicd/config.yaml, /etc/aicd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aicd", "config.yaml"))
	}

	paths = append(paths, "/etc/aicd/config.yaml")
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

// Config holds all aicd configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Weather  WeatherConfig  `yaml:"weather"`
	Search   SearchConfig   `yaml:"search"`
	School   SchoolConfig   `yaml:"school"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Image    ImageConfig    `yaml:"image"`
	DataDir  string         `yaml:"data_dir"`
	Timezone string         `yaml:"timezone"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the reasoning-service connection. The wire format is
// OpenAI-compatible, which covers the gemini, openai, and groq endpoints.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// AgentConfig bounds the orchestration loop and the memory tiers.
type AgentConfig struct {
	// RecursionLimit caps decide/execute round-trips per turn.
	RecursionLimit int `yaml:"recursion_limit"`
	// WindowSize is the number of message pairs kept verbatim in context.
	WindowSize int `yaml:"window_size"`
	// SummaryThreshold is the message count beyond which older history
	// is compressed into the rolling summary.
	SummaryThreshold int `yaml:"summary_threshold"`
	// CapabilityTimeoutSec is the per-capability-call timeout (default 30).
	CapabilityTimeoutSec int `yaml:"capability_timeout_sec"`
	// ContextBudgetTokens bounds window + summary size (default 8000).
	ContextBudgetTokens int `yaml:"context_budget_tokens"`
}

// WeatherConfig defines the OpenWeather assistant API settings.
type WeatherConfig struct {
	APIKey string `yaml:"api_key"`
}

// SearchConfig defines the web search provider (SearxNG instance).
type SearchConfig struct {
	URL string `yaml:"url"`
}

// SchoolConfig defines the school-portal REST API connection.
type SchoolConfig struct {
	BaseURL     string `yaml:"base_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TimeoutSec  int    `yaml:"timeout_sec"`
	CacheTTLHrs int    `yaml:"cache_ttl_hours"`
}

// MQTTConfig defines the smart-home broker connection.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default "aic"
}

// ImageConfig defines the image-generation model settings.
type ImageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file (e.g. ${LLM_API_KEY}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a configuration with the stock loop and memory bounds.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Timezone: "Asia/Ho_Chi_Minh",
		DataDir:  "data",
		LLM: LLMConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:       "gemini-3-flash-preview",
			Temperature: 1.0,
		},
		Agent: AgentConfig{
			RecursionLimit:       25,
			WindowSize:           7,
			SummaryThreshold:     10,
			CapabilityTimeoutSec: 30,
			ContextBudgetTokens:  8000,
		},
		School: SchoolConfig{
			BaseURL:     "https://ttsv.tvu.edu.vn/public/api",
			TimeoutSec:  30,
			CacheTTLHrs: 24,
		},
		MQTT: MQTTConfig{TopicPrefix: "aic"},
		Image: ImageConfig{
			Enabled: true,
			Model:   "gemini-3-pro-image-preview",
		},
	}
}

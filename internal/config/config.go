package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the gateway configuration
type Config struct {
	Port         int                `json:"port" yaml:"port"`
	DataDir      string             `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	SecretsFile  string             `json:"secrets_file,omitempty" yaml:"secrets_file,omitempty"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Gateway      GatewayConfig      `json:"gateway" yaml:"gateway"`
	ASR          SpeechConfig       `json:"asr" yaml:"asr"`
	TTS          SpeechConfig       `json:"tts" yaml:"tts"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Agent        AgentConfig        `json:"agent" yaml:"agent"`
	TaskQueue    TaskQueueConfig    `json:"task_queue" yaml:"task_queue"`
	EventBus     EventBusConfig     `json:"event_bus" yaml:"event_bus"`
	MCP          MCPConfig          `json:"mcp" yaml:"mcp"`
	Maintenance  MaintenanceConfig  `json:"maintenance" yaml:"maintenance"`
	RateLimiting RateLimitingConfig `json:"rateLimiting,omitempty" yaml:"rateLimiting,omitempty"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// GatewayConfig tunes per-connection behavior
type GatewayConfig struct {
	// Timeout for JSON-RPC and tool-call correlations
	RequestTimeoutMs int `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	// Timeout for an edge's initialize acknowledgment
	EdgeInitTimeoutMs int `json:"edge_init_timeout_ms" yaml:"edge_init_timeout_ms"`
	// Soft length, in runes, past which TTS text is cut at a pause
	SentenceSoftLimit int   `json:"sentence_soft_limit" yaml:"sentence_soft_limit"`
	SendBuffer        int   `json:"send_buffer" yaml:"send_buffer"`
	MaxMessageBytes   int64 `json:"max_message_bytes" yaml:"max_message_bytes"`
	PingIntervalSec   int   `json:"ping_interval_sec" yaml:"ping_interval_sec"`
	// Allowed Origin values for browser clients; empty allows all
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// SpeechConfig configures a realtime speech provider
type SpeechConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	APIKey        string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Format        string `json:"format,omitempty" yaml:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Language      string `json:"language,omitempty" yaml:"language,omitempty"`
	Voice         string `json:"voice,omitempty" yaml:"voice,omitempty"`
	ServerVAD     bool   `json:"server_vad,omitempty" yaml:"server_vad,omitempty"`
	InitTimeoutMs int    `json:"init_timeout_ms" yaml:"init_timeout_ms"`
}

// LLMConfig points the agent runner at an OpenAI-compatible endpoint
type LLMConfig struct {
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// AgentConfig contains agent chat settings
type AgentConfig struct {
	DefaultAgentID string `json:"default_agent_id,omitempty" yaml:"default_agent_id,omitempty"`
	MaxToolRounds  int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	SystemPrompt   string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	TaskPriority   int    `json:"task_priority" yaml:"task_priority"`
}

// TaskQueueConfig configures the polling task consumer
type TaskQueueConfig struct {
	PollIntervalMs int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	Workers        int `json:"workers" yaml:"workers"`
}

// EventBusConfig configures event fan-out across processes
type EventBusConfig struct {
	RedisURL     string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisChannel string `json:"redis_channel,omitempty" yaml:"redis_channel,omitempty"`
}

// MCPConfig configures the Streamable HTTP MCP server
type MCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// MaintenanceConfig configures scheduled cleanup
type MaintenanceConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Schedule            string `json:"schedule" yaml:"schedule"`
	RecordRetentionDays int    `json:"record_retention_days" yaml:"record_retention_days"`
}

// RateLimitingConfig contains rate limiting settings
type RateLimitingConfig struct {
	Enabled                bool                `json:"enabled" yaml:"enabled"`
	Anonymous              RateLimitTierConfig `json:"anonymous" yaml:"anonymous"`
	Authenticated          RateLimitTierConfig `json:"authenticated" yaml:"authenticated"`
	CleanupIntervalSeconds int                 `json:"cleanupIntervalSeconds" yaml:"cleanupIntervalSeconds"`
}

// RateLimitTierConfig defines rate limiting for a specific tier (anonymous vs authenticated)
type RateLimitTierConfig struct {
	WindowSeconds int `json:"windowSeconds" yaml:"windowSeconds"`
	MaxRequests   int `json:"maxRequests" yaml:"maxRequests"`
}

// LoggingConfig selects the logger
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development,omitempty" yaml:"development,omitempty"`
	Encoding    string `json:"encoding,omitempty" yaml:"encoding,omitempty"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Port: 18790,
		Database: DatabaseConfig{
			Path: "ejunz.db",
		},
		Gateway: GatewayConfig{
			RequestTimeoutMs:  10000,
			EdgeInitTimeoutMs: 10000,
			SentenceSoftLimit: 80,
			SendBuffer:        256,
			MaxMessageBytes:   4 << 20,
			PingIntervalSec:   30,
		},
		ASR: SpeechConfig{
			URL:           "wss://dashscope.aliyuncs.com/api-ws/v1/realtime?model=qwen3-asr-flash-realtime",
			APIKey:        "${DASHSCOPE_API_KEY}",
			Format:        "pcm",
			SampleRate:    16000,
			Language:      "zh",
			ServerVAD:     true,
			InitTimeoutMs: 5000,
		},
		TTS: SpeechConfig{
			URL:           "wss://dashscope.aliyuncs.com/api-ws/v1/realtime?model=qwen-tts-realtime",
			APIKey:        "${DASHSCOPE_API_KEY}",
			Format:        "pcm",
			SampleRate:    24000,
			Voice:         "Cherry",
			InitTimeoutMs: 5000,
		},
		LLM: LLMConfig{
			APIKey: "${OPENAI_API_KEY}",
			Model:  "gpt-4o-mini",
		},
		Agent: AgentConfig{
			MaxToolRounds: 5,
			TaskPriority:  10,
		},
		TaskQueue: TaskQueueConfig{
			PollIntervalMs: 500,
			Workers:        2,
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
		Maintenance: MaintenanceConfig{
			Enabled:             true,
			Schedule:            "0 3 * * *",
			RecordRetentionDays: 30,
		},
		RateLimiting: RateLimitingConfig{
			Enabled: true,
			Anonymous: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   100,
			},
			Authenticated: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   1000,
			},
			CleanupIntervalSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load loads configuration from a file. Files ending in .yaml or .yml are
// read as YAML, anything else as JSON. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	// Check if file exists, create default if not
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		if err := cfg.expandEnvVars(); err != nil {
			return nil, fmt.Errorf("failed to expand environment variables: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandTilde()

	// Secrets go into the environment before ${ENV_VAR} expansion
	if err := cfg.loadSecretsFile(); err != nil {
		return nil, fmt.Errorf("failed to load secrets file: %w", err)
	}

	if err := cfg.expandEnvVars(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to a file in the format its extension implies
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandEnvVars expands environment variables in configuration values
func (c *Config) expandEnvVars() error {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.SecretsFile = os.ExpandEnv(c.SecretsFile)
	c.Database.Path = os.ExpandEnv(c.Database.Path)

	c.ASR.URL = os.ExpandEnv(c.ASR.URL)
	c.ASR.APIKey = os.ExpandEnv(c.ASR.APIKey)
	c.TTS.URL = os.ExpandEnv(c.TTS.URL)
	c.TTS.APIKey = os.ExpandEnv(c.TTS.APIKey)

	c.LLM.BaseURL = os.ExpandEnv(c.LLM.BaseURL)
	c.LLM.APIKey = os.ExpandEnv(c.LLM.APIKey)

	c.EventBus.RedisURL = os.ExpandEnv(c.EventBus.RedisURL)

	return nil
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Gateway.RequestTimeoutMs <= 0 {
		return fmt.Errorf("gateway.request_timeout_ms must be greater than 0")
	}
	if c.Gateway.SentenceSoftLimit <= 0 {
		return fmt.Errorf("gateway.sentence_soft_limit must be greater than 0")
	}
	if c.Gateway.SendBuffer <= 0 {
		return fmt.Errorf("gateway.send_buffer must be greater than 0")
	}

	for name, speech := range map[string]SpeechConfig{"asr": c.ASR, "tts": c.TTS} {
		if speech.Enabled && speech.URL == "" {
			return fmt.Errorf("%s is enabled but has no url", name)
		}
		if speech.InitTimeoutMs < 0 {
			return fmt.Errorf("%s.init_timeout_ms must not be negative", name)
		}
	}

	if c.Agent.MaxToolRounds <= 0 {
		return fmt.Errorf("agent.max_tool_rounds must be greater than 0")
	}
	if c.TaskQueue.PollIntervalMs <= 0 {
		return fmt.Errorf("task_queue.poll_interval_ms must be greater than 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.Anonymous.WindowSeconds <= 0 || c.RateLimiting.Anonymous.MaxRequests <= 0 {
			return fmt.Errorf("invalid anonymous rate limiting configuration")
		}
		if c.RateLimiting.Authenticated.WindowSeconds <= 0 || c.RateLimiting.Authenticated.MaxRequests <= 0 {
			return fmt.Errorf("invalid authenticated rate limiting configuration")
		}
	}

	if c.MCP.Enabled && !strings.HasPrefix(c.MCP.Path, "/") {
		return fmt.Errorf("mcp.path must start with /")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}

	return nil
}

// RequestTimeout is the correlation timeout for JSON-RPC requests
func (g GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMs) * time.Millisecond
}

// EdgeInitTimeout bounds the wait for an edge's initialize response
func (g GatewayConfig) EdgeInitTimeout() time.Duration {
	return time.Duration(g.EdgeInitTimeoutMs) * time.Millisecond
}

// PingInterval is how often idle connections are pinged
func (g GatewayConfig) PingInterval() time.Duration {
	return time.Duration(g.PingIntervalSec) * time.Second
}

// InitTimeout bounds the wait for the provider's init acknowledgment
func (s SpeechConfig) InitTimeout() time.Duration {
	return time.Duration(s.InitTimeoutMs) * time.Millisecond
}

// PollInterval is the task queue polling period
func (t TaskQueueConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

// RecordRetention is how long chat records are kept
func (m MaintenanceConfig) RecordRetention() time.Duration {
	return time.Duration(m.RecordRetentionDays) * 24 * time.Hour
}

// expandTilde replaces a leading "~/" with the user's home directory in
// path-valued config fields
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}

	c.DataDir = expand(c.DataDir)
	c.SecretsFile = expand(c.SecretsFile)
	c.Database.Path = expand(c.Database.Path)
}

// loadSecretsFile reads a KEY=VALUE file into the process environment.
// Existing environment variables win; a missing file is not an error.
func (c *Config) loadSecretsFile() error {
	if c.SecretsFile == "" {
		return nil
	}

	f, err := os.Open(c.SecretsFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot open secrets file %s: %w", c.SecretsFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// Package config provides configuration types and loading for codeclaw.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Provider  ProviderConfig  `json:"provider"`
	Tools     ToolsConfig     `json:"tools"`
	Hooks     HooksConfig     `json:"hooks"`
	Subagents SubagentsConfig `json:"subagents"`
	Timeline  TimelineConfig  `json:"timeline"`
	Kafka     KafkaConfig     `json:"kafka"`
	Logging   LoggingConfig   `json:"logging"`

	// EnvFiles lists the env files Load applied.
	EnvFiles []EnvFile `json:"-"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. Empty derived paths are
// filled in relative to StateDir by Load.
type PathsConfig struct {
	Workspace   string `json:"workspace" envconfig:"WORKSPACE"`
	StateDir    string `json:"stateDir" envconfig:"STATE_DIR"`
	SessionsDir string `json:"sessionsDir" envconfig:"SESSIONS_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and agent-loop settings.
type ModelConfig struct {
	Name               string  `json:"name" envconfig:"MODEL"`
	MaxTokens          int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature        float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolIterations  int     `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
	MaxHistoryMessages int     `json:"maxHistoryMessages" envconfig:"MAX_HISTORY_MESSAGES"`
}

// ProviderConfig contains the OpenAI-compatible endpoint settings.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Tools – scheduling, approval and tool-specific behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains tool scheduling and approval settings.
type ToolsConfig struct {
	ApprovalMode  string         `json:"approvalMode" envconfig:"APPROVAL_MODE"` // default, auto_edit, yolo
	Deny          []string       `json:"deny,omitempty" envconfig:"DENY"`
	AllowListFile string         `json:"allowListFile" envconfig:"ALLOW_LIST_FILE"`
	MaxConcurrent int64          `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	OutputLimit   int            `json:"outputLimit" envconfig:"OUTPUT_LIMIT"`
	OutputDir     string         `json:"outputDir" envconfig:"OUTPUT_DIR"`
	CancelGrace   time.Duration  `json:"cancelGrace" envconfig:"CANCEL_GRACE"`
	Exec          ExecToolConfig `json:"exec"`
}

// ExecToolConfig contains shell execution tool settings.
type ExecToolConfig struct {
	Timeout             time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	RestrictToWorkspace bool          `json:"restrictToWorkspace" envconfig:"RESTRICT_WORKSPACE"`
	StrictAllowList     bool          `json:"strictAllowList" envconfig:"STRICT_ALLOW_LIST"`
}

// HooksConfig locates hook command definitions.
type HooksConfig struct {
	File    string        `json:"file" envconfig:"FILE"`
	Timeout time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// SubagentsConfig locates sub-agent definitions.
type SubagentsConfig struct {
	File          string `json:"file" envconfig:"FILE"`
	MaxIterations int    `json:"maxIterations" envconfig:"MAX_ITERATIONS"`
}

// ---------------------------------------------------------------------------
// Timeline / Kafka – journaling and export of tool calls
// ---------------------------------------------------------------------------

// TimelineConfig controls the sqlite tool-call journal.
type TimelineConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// KafkaConfig controls export of finished tool calls.
type KafkaConfig struct {
	Enabled bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers []string `json:"brokers" envconfig:"BROKERS"`
	Topic   string   `json:"topic" envconfig:"TOPIC"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `json:"format" envconfig:"FORMAT"` // text, json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "~/.codeclaw",
		},
		Model: ModelConfig{
			Name:               "gpt-4o",
			MaxTokens:          4096,
			Temperature:        0.7,
			MaxToolIterations:  20,
			MaxHistoryMessages: 200,
		},
		Tools: ToolsConfig{
			ApprovalMode:  "default",
			MaxConcurrent: 4,
			OutputLimit:   40000,
			CancelGrace:   5 * time.Second,
			Exec: ExecToolConfig{
				Timeout:             60 * time.Second,
				RestrictToWorkspace: true, // Secure default
				StrictAllowList:     true,
			},
		},
		Hooks: HooksConfig{
			Timeout: 60 * time.Second,
		},
		Subagents: SubagentsConfig{
			MaxIterations: 15,
		},
		Timeline: TimelineConfig{
			Enabled: true,
		},
		Kafka: KafkaConfig{
			Topic: "codeclaw.tool-calls",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers: required when kafka is enabled"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.topic: required when kafka is enabled"))
		}
	}
	if c.Tools.MaxConcurrent < 0 {
		errs = append(errs, errors.New("tools.maxConcurrent: must not be negative"))
	}
	return errors.Join(errs...)
}

// Package config loads runtime configuration from defaults, a TOML file, and
// CONVO_* environment variables, in that order (env wins).
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	convo "github.com/loreleaf/convo"
)

type Config struct {
	LLM      LLMConfig      `toml:"llm"`
	Summary  SummaryConfig  `toml:"summary"`
	Context  ContextConfig  `toml:"context"`
	Database DatabaseConfig `toml:"database"`
	Agent    AgentConfig    `toml:"agent"`
	Observer ObserverConfig `toml:"observer"`
}

type LLMConfig struct {
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	// Name reported in logs and error messages ("openai", "ollama", ...).
	Name string `toml:"name"`
}

type SummaryConfig struct {
	// Model used for summarization; empty means the main LLM model.
	Model string `toml:"model"`
	// Keep is how many recent summaries are spliced into a rebuilt context.
	Keep int `toml:"keep"`
	// ChunkThreshold is the estimated token count above which summarization
	// switches to the chunked map-reduce path.
	ChunkThreshold int `toml:"chunk_threshold"`
}

type ContextConfig struct {
	// UserWindow caps how many user-initiated blocks stay in context.
	// Negative means unbounded.
	UserWindow int `toml:"user_window"`
	// ResultCap is the rune limit applied to persisted tool results.
	ResultCap int `toml:"result_cap"`
}

type DatabaseConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	// DSN is the PostgreSQL connection string when driver is "postgres".
	DSN string `toml:"dsn"`
}

type AgentConfig struct {
	Persona       string `toml:"persona"`
	Instructions  string `toml:"instructions"`
	SequenceLimit int    `toml:"sequence_limit"`
	MaxTokens     int    `toml:"max_tokens"`
	PseudoTools   bool   `toml:"pseudo_tools"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:      LLMConfig{Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1", Name: "openai"},
		Summary:  SummaryConfig{Keep: 1, ChunkThreshold: 6000},
		Context:  ContextConfig{UserWindow: -1, ResultCap: 8000},
		Database: DatabaseConfig{Driver: "sqlite", Path: "convo.db"},
		Agent:    AgentConfig{SequenceLimit: 8, MaxTokens: 1024},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "convo.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONVO_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CONVO_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CONVO_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CONVO_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CONVO_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONVO_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CONVO_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Summary.Model == "" {
		cfg.Summary.Model = cfg.LLM.Model
	}

	return cfg
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	if c.LLM.APIKey == "" {
		return &convo.ErrConfig{Setting: "llm.api_key", Reason: "missing; set it in the config file or CONVO_LLM_API_KEY"}
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return &convo.ErrConfig{Setting: "database.path", Reason: "required for the sqlite driver"}
		}
	case "postgres":
		if c.Database.DSN == "" {
			return &convo.ErrConfig{Setting: "database.dsn", Reason: "required for the postgres driver"}
		}
	default:
		return &convo.ErrConfig{Setting: "database.driver", Reason: "must be \"sqlite\" or \"postgres\""}
	}
	return nil
}

// Package config loads the gateway's YAML configuration files. Each
// loader follows the teacher's config-loading shape: start from
// defaults, overlay whatever the file on disk provides (a missing file
// is not an error), then validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the top-level config.yaml: server bind address and the
// tunables §6 lists as environment variables (the env vars override
// whatever this file sets; see applyEnvOverrides).
type GatewayConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Tunables TunablesConfig `yaml:"tunables"`
	History  HistoryConfig  `yaml:"history"`
}

type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Secret string `yaml:"secret"` // optional shared secret checked at REGISTER time
}

type TunablesConfig struct {
	LLMWorkers          int     `yaml:"llm_workers"`
	IOWorkers           int     `yaml:"io_workers"`
	MaxToolIterations   int     `yaml:"max_tool_iterations"`
	MaxToolResultChars  int     `yaml:"max_tool_result_chars"`
	DebounceSeconds     float64 `yaml:"debounce_seconds"`
	DedupWindowSeconds  float64 `yaml:"dedup_window_seconds"`
	DedupCacheCap       int     `yaml:"dedup_cache_cap"`
	ToolCallMode        string  `yaml:"tool_call_mode"` // native | xml | langchain
	AutoContinueEnabled bool    `yaml:"auto_continue_enabled"`
	AutoContinueMax     int     `yaml:"auto_continue_max"`
}

// HistoryConfig controls the optional sqlite-backed persisted history
// supplement (SPEC_FULL.md Supplemented Features #1). Disabled by
// default — core operation requires no database, per spec.md §6.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func defaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{Host: "127.0.0.1", Port: 18789},
		Tunables: TunablesConfig{
			LLMWorkers:          10,
			IOWorkers:           20,
			MaxToolIterations:   75,
			MaxToolResultChars:  50000,
			DebounceSeconds:     2.0,
			DedupWindowSeconds:  30.0,
			DedupCacheCap:       1000,
			ToolCallMode:        "langchain",
			AutoContinueEnabled: true,
			AutoContinueMax:     3,
		},
		History: HistoryConfig{Enabled: false, Path: "./clara-gateway-history.db"},
	}
}

// LoadGatewayConfig reads config.yaml at path, falling back to defaults
// when the file is absent.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	cfg := defaultGatewayConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateGatewayConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment variables from spec.md §6 win
// over whatever config.yaml set, matching typical 12-factor precedence.
func applyEnvOverrides(cfg *GatewayConfig) {
	if v := os.Getenv("CLARA_GATEWAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CLARA_GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("CLARA_GATEWAY_SECRET"); v != "" {
		cfg.Server.Secret = v
	}
	if v := os.Getenv("GATEWAY_LLM_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tunables.LLMWorkers = n
		}
	}
	if v := os.Getenv("GATEWAY_IO_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tunables.IOWorkers = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tunables.MaxToolIterations = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_TOOL_RESULT_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tunables.MaxToolResultChars = n
		}
	}
	if v := os.Getenv("MESSAGE_DEBOUNCE_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tunables.DebounceSeconds = f
		}
	}
	if v := os.Getenv("TOOL_CALL_MODE"); v != "" {
		cfg.Tunables.ToolCallMode = v
	}
	if v := os.Getenv("AUTO_CONTINUE_ENABLED"); v != "" {
		cfg.Tunables.AutoContinueEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("AUTO_CONTINUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tunables.AutoContinueMax = n
		}
	}
}

func validateGatewayConfig(cfg *GatewayConfig) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	switch cfg.Tunables.ToolCallMode {
	case "native", "xml", "langchain":
	default:
		return fmt.Errorf("tunables.tool_call_mode %q must be native|xml|langchain", cfg.Tunables.ToolCallMode)
	}
	if cfg.Tunables.LLMWorkers <= 0 || cfg.Tunables.IOWorkers <= 0 {
		return fmt.Errorf("tunables.llm_workers and io_workers must be positive")
	}
	return nil
}

// DebounceDuration converts the float-seconds tunable to a time.Duration.
func (t TunablesConfig) DebounceDuration() time.Duration {
	return time.Duration(t.DebounceSeconds * float64(time.Second))
}

// DedupWindow converts the float-seconds tunable to a time.Duration.
func (t TunablesConfig) DedupWindow() time.Duration {
	return time.Duration(t.DedupWindowSeconds * float64(time.Second))
}

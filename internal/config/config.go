package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds Threadline daemon configuration.
// Loaded from ~/.threadline/config.json with environment variable overrides.
type Config struct {
	// Listen is the TCP address the daemon serves on (e.g., ":8700").
	// Env override: THREADLINE_ADDR
	Listen string `json:"listen"`

	// APIKey authenticates REST requests when set. Requests must then carry
	// "Authorization: Bearer <api_key>".
	// Env override: THREADLINE_API_KEY
	APIKey string `json:"api_key"`

	// DBPath is the SQLite history database location.
	// Env override: THREADLINE_DB
	DBPath string `json:"db_path"`

	// LogDir is where rotating log files go. Empty means stdout only.
	// Env override: THREADLINE_LOG_DIR
	LogDir string `json:"log_dir"`

	// Debug enables debug-level logging.
	// Env override: THREADLINE_DEBUG=1
	Debug bool `json:"debug"`

	// Agent configures the model agent subprocess the daemon drives.
	Agent AgentConfig `json:"agent"`

	// IdleTimeoutMinutes evicts idle live sessions after this long.
	// Zero means the default (30 minutes).
	IdleTimeoutMinutes int `json:"idle_timeout_minutes"`

	// PermissionDeadlineMinutes force-denies permission requests left
	// unanswered this long. Zero means the default (10 minutes).
	PermissionDeadlineMinutes int `json:"permission_deadline_minutes"`
}

// AgentConfig describes the agent subprocess.
type AgentConfig struct {
	// Command is the agent binary to launch.
	// Env override: THREADLINE_AGENT
	Command string `json:"command"`

	// Args are passed to the agent binary.
	Args []string `json:"args"`

	// WorkDir is the agent's working directory. Empty means inherit.
	WorkDir string `json:"work_dir"`

	// Env is extra environment for the agent process.
	Env map[string]string `json:"env"`
}

const defaultListen = ":8700"

// Load reads configuration from the config file, then applies
// environment variable overrides. Config file locations checked in order:
//  1. THREADLINE_CONFIG env var (if set)
//  2. ~/.threadline/config.json
//
// Missing file is not an error.
func Load() Config {
	var cfg Config

	configPath := os.Getenv("THREADLINE_CONFIG")
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Warn("Failed to get home directory for config", "error", err)
			applyEnvOverrides(&cfg)
			return withDefaults(cfg)
		}
		configPath = filepath.Join(home, ".threadline", "config.json")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read config file", "path", configPath, "error", err)
		}
		// No config file, env vars only
		applyEnvOverrides(&cfg)
		return withDefaults(cfg)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("Failed to parse config file", "path", configPath, "error", err)
		// Fall through with zero config + env overrides
	}

	applyEnvOverrides(&cfg)
	return withDefaults(cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
// Env vars take precedence over config file values.
func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("THREADLINE_ADDR"); addr != "" {
		cfg.Listen = addr
	}
	if key := os.Getenv("THREADLINE_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if path := os.Getenv("THREADLINE_DB"); path != "" {
		cfg.DBPath = path
	}
	if dir := os.Getenv("THREADLINE_LOG_DIR"); dir != "" {
		cfg.LogDir = dir
	}
	if agent := os.Getenv("THREADLINE_AGENT"); agent != "" {
		cfg.Agent.Command = agent
	}
	if os.Getenv("THREADLINE_DEBUG") == "1" {
		cfg.Debug = true
	}
	if v := os.Getenv("THREADLINE_IDLE_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.IdleTimeoutMinutes = n
		}
	}
}

func withDefaults(cfg Config) Config {
	if cfg.Listen == "" {
		cfg.Listen = defaultListen
	}
	return cfg
}

// IdleTimeout returns the configured idle eviction window, or zero when the
// registry default should be used.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMinutes) * time.Minute
}

// PermissionDeadline returns the configured permission supervision window, or
// zero when the registry default should be used.
func (c *Config) PermissionDeadline() time.Duration {
	return time.Duration(c.PermissionDeadlineMinutes) * time.Minute
}

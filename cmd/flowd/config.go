package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all flowd server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr    string `json:"listen_addr"`
	DBPath        string `json:"db_path"`
	NATSURL       string `json:"nats_url"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	SandboxBudget string `json:"sandbox_budget"`
	NodeTimeout   string `json:"node_timeout"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(flowdDir(), "flowd.db"),
		LogLevel:   "info",
		PoolSize:   50,
	}
}

func flowdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return filepath.Join(home, ".flowd")
}

func settingsPath() string {
	return filepath.Join(flowdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWD_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("FLOWD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FLOWD_SANDBOX_BUDGET"); v != "" {
		cfg.SandboxBudget = v
	}
	if v := os.Getenv("FLOWD_NODE_TIMEOUT"); v != "" {
		cfg.NodeTimeout = v
	}

	return cfg
}

// duration parses a config duration string, returning 0 (use the engine
// default) on empty or malformed values.
func duration(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

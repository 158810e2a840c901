package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all formflow engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	MaxNodeVisits int    `json:"max_node_visits"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(formflowDir(), "formflow.db"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func formflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".formflow"
	}
	return filepath.Join(home, ".formflow")
}

func settingsPath() string {
	return filepath.Join(formflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FORMFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FORMFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FORMFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("FORMFLOW_MAX_NODE_VISITS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxNodeVisits = n
		}
	}

	return cfg
}

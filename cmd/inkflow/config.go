package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all inkflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	DefaultProvider string `json:"default_provider"`
	DefaultModel    string `json:"default_model"`
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(inkflowDir(), "inkflow.db"),
		LogLevel:        "info",
		PoolSize:        10,
		DefaultProvider: "openai",
		DefaultModel:    "gpt-4o",
	}
}

func inkflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".inkflow"
	}
	return filepath.Join(home, ".inkflow")
}

func settingsPath() string {
	return filepath.Join(inkflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("INKFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("INKFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INKFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("INKFLOW_DEFAULT_PROVIDER"); v != "" {
		cfg.DefaultProvider = v
	}
	if v := os.Getenv("INKFLOW_DEFAULT_MODEL"); v != "" {
		cfg.DefaultModel = v
	}
	if v := os.Getenv("INKFLOW_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("INKFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

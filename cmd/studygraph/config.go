package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all studygraph configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	CatalogPath string `json:"catalog_path"`
	BackupCron  string `json:"backup_cron"`
	BackupKeep  int    `json:"backup_keep"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(studygraphDir(), "studygraph.db"),
		LogLevel:   "info",
		BackupCron: "*/10 * * * *",
		BackupKeep: 5,
	}
}

func studygraphDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".studygraph"
	}
	return filepath.Join(home, ".studygraph")
}

func settingsPath() string {
	return filepath.Join(studygraphDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STUDYGRAPH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STUDYGRAPH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STUDYGRAPH_CATALOG_PATH"); v != "" {
		cfg.CatalogPath = v
	}
	if v := os.Getenv("STUDYGRAPH_BACKUP_CRON"); v != "" {
		cfg.BackupCron = v
	}
	if v := os.Getenv("STUDYGRAPH_BACKUP_KEEP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BackupKeep = n
		}
	}

	return cfg
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process settings. The runtime configuration tree served
// to scripts lives in RuntimeConfig and is loaded by the config manager.
// Priority: env vars > settings file > defaults.
type Config struct {
	DBPath        string `yaml:"db_path"`
	Tenant        string `yaml:"tenant"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	MetricsAddr   string `yaml:"metrics_addr"`
	TraceFile     string `yaml:"trace_file"`
	RuntimeConfig string `yaml:"runtime_config"`
	SnapshotDir   string `yaml:"snapshot_dir"`
	// SnapshotPassphrase seals secret values in snapshot files when set.
	SnapshotPassphrase string          `yaml:"snapshot_passphrase"`
	ConfigPreset       string          `yaml:"config_preset"`
	Retention          RetentionConfig `yaml:"retention"`
}

// RetentionConfig drives the hook history archiver.
type RetentionConfig struct {
	Schedule    string        `yaml:"schedule"`
	MaxAge      time.Duration `yaml:"max_age"`
	MaxPriority int32         `yaml:"max_priority"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       "file:" + filepath.Join(agentscriptDir(), "agentscript.db"),
		Tenant:       "default",
		LogLevel:     "info",
		LogFormat:    "json",
		SnapshotDir:  filepath.Join(agentscriptDir(), "snapshots"),
		ConfigPreset: "read_only",
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
			MaxAge:   30 * 24 * time.Hour,
		},
	}
}

func agentscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentscript"
	}
	return filepath.Join(home, ".agentscript")
}

func settingsPath() string {
	return filepath.Join(agentscriptDir(), "settings.yaml")
}

// loadConfig layers the settings file at path (or the default location when
// empty) and the AGENTSCRIPT_* environment over the defaults. A missing
// default settings file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !os.IsNotExist(err):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if v := os.Getenv("AGENTSCRIPT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AGENTSCRIPT_TENANT"); v != "" {
		cfg.Tenant = v
	}
	if v := os.Getenv("AGENTSCRIPT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTSCRIPT_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("AGENTSCRIPT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("AGENTSCRIPT_TRACE_FILE"); v != "" {
		cfg.TraceFile = v
	}
	if v := os.Getenv("AGENTSCRIPT_RUNTIME_CONFIG"); v != "" {
		cfg.RuntimeConfig = v
	}
	if v := os.Getenv("AGENTSCRIPT_SNAPSHOT_PASSPHRASE"); v != "" {
		cfg.SnapshotPassphrase = v
	}
	if v := os.Getenv("AGENTSCRIPT_CONFIG_PRESET"); v != "" {
		cfg.ConfigPreset = v
	}
	if v := os.Getenv("AGENTSCRIPT_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.MaxAge = d
		}
	}
	if v := os.Getenv("AGENTSCRIPT_RETENTION_MAX_PRIORITY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Retention.MaxPriority = int32(n)
		}
	}
	return cfg, nil
}

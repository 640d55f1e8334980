package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "meshpresence"
	// DefaultRecomputeIntervalSeconds is the periodic reachability cadence.
	DefaultRecomputeIntervalSeconds = 30
	// DefaultMarkerRefreshIntervalSeconds is the marker re-classification cadence.
	DefaultMarkerRefreshIntervalSeconds = 30
	// DefaultSnapshotTimeoutSeconds bounds one path-table fetch.
	DefaultSnapshotTimeoutSeconds = 3
	// DefaultMetricsListenAddress serves Prometheus metrics.
	DefaultMetricsListenAddress = "127.0.0.1:9465"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// EngineConfig contains persistent presence engine settings.
type EngineConfig struct {
	InstanceID                   string   `json:"instance_id"`
	DisplayName                  string   `json:"display_name"`
	NodeTypeFilter               []string `json:"node_type_filter"`
	RecomputeIntervalSeconds     int      `json:"recompute_interval_seconds"`
	MarkerRefreshIntervalSeconds int      `json:"marker_refresh_interval_seconds"`
	SnapshotTimeoutSeconds       int      `json:"snapshot_timeout_seconds"`
	MetricsListenAddress         string   `json:"metrics_listen_address"`
	DiscoveryEnabled             bool     `json:"discovery_enabled"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MESHPRESENCE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("MESHPRESENCE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg EngineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *EngineConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*EngineConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *EngineConfig {
	displayName := "Anonymous Peer"
	if host, err := os.Hostname(); err == nil && host != "" {
		displayName = host
	}

	return &EngineConfig{
		InstanceID:                   uuid.NewString(),
		DisplayName:                  displayName,
		NodeTypeFilter:               nil,
		RecomputeIntervalSeconds:     DefaultRecomputeIntervalSeconds,
		MarkerRefreshIntervalSeconds: DefaultMarkerRefreshIntervalSeconds,
		SnapshotTimeoutSeconds:       DefaultSnapshotTimeoutSeconds,
		MetricsListenAddress:         DefaultMetricsListenAddress,
		DiscoveryEnabled:             true,
	}
}

func normalizeDefaults(cfg *EngineConfig) bool {
	updated := false

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}

	if cfg.DisplayName == "" {
		displayName := "Anonymous Peer"
		if host, err := os.Hostname(); err == nil && host != "" {
			displayName = host
		}
		cfg.DisplayName = displayName
		updated = true
	}

	if cfg.RecomputeIntervalSeconds == 0 {
		cfg.RecomputeIntervalSeconds = DefaultRecomputeIntervalSeconds
		updated = true
	}

	if cfg.MarkerRefreshIntervalSeconds == 0 {
		cfg.MarkerRefreshIntervalSeconds = DefaultMarkerRefreshIntervalSeconds
		updated = true
	}

	if cfg.SnapshotTimeoutSeconds <= 0 {
		cfg.SnapshotTimeoutSeconds = DefaultSnapshotTimeoutSeconds
		updated = true
	}

	if cfg.MetricsListenAddress == "" {
		cfg.MetricsListenAddress = DefaultMetricsListenAddress
		updated = true
	}

	return updated
}

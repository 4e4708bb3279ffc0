package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "relaychat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "RELAYCHAT_DATA_DIR"

	DefaultSyncBatchSize      = 10
	DefaultSyncBatchDelayMS   = 100
	DefaultKeyCacheTTLSeconds = 3600
	DefaultSubscriberBuffer   = 64
	DefaultLogLevel           = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	DeviceID string `json:"device_id"`
	Handle   string `json:"handle"`

	// RelayURL is the REST relay base URL. When empty and RelayDiscovery is
	// set, a relay is looked up on the local network.
	RelayURL       string `json:"relay_url"`
	RelayDiscovery bool   `json:"relay_discovery"`

	SyncBatchSize      int `json:"sync_batch_size"`
	SyncBatchDelayMS   int `json:"sync_batch_delay_ms"`
	KeyCacheTTLSeconds int `json:"key_cache_ttl_seconds"`
	SubscriberBuffer   int `json:"subscriber_buffer"`

	LogLevel string `json:"log_level"`

	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	X25519PrivateKeyPath  string `json:"x25519_private_key_path"`
	KeyFingerprint        string `json:"key_fingerprint"`
}

// SyncBatchDelay returns the pause between sync batches.
func (c *ClientConfig) SyncBatchDelay() time.Duration {
	return time.Duration(c.SyncBatchDelayMS) * time.Millisecond
}

// KeyCacheTTL returns how long resolved encryption keys are trusted. Zero
// disables expiry.
func (c *ClientConfig) KeyCacheTTL() time.Duration {
	return time.Duration(c.KeyCacheTTLSeconds) * time.Second
}

// Level parses LogLevel, falling back to info.
func (c *ClientConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If RELAYCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns the config
// and its path. The data directory is the path's parent.
func LoadOrCreate() (*ClientConfig, string, error) {
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

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		logrus.WithFields(logrus.Fields{
			"function": "LoadOrCreate",
			"path":     cfgPath,
		}).Info("Created default configuration")

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	cfg := &ClientConfig{
		RelayDiscovery:     true,
		KeyCacheTTLSeconds: DefaultKeyCacheTTLSeconds,
	}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if handle := strings.TrimSpace(cfg.Handle); handle != cfg.Handle {
		cfg.Handle = handle
		updated = true
	}
	if relayURL := strings.TrimRight(strings.TrimSpace(cfg.RelayURL), "/"); relayURL != cfg.RelayURL {
		cfg.RelayURL = relayURL
		updated = true
	}

	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = DefaultSyncBatchSize
		updated = true
	}
	if cfg.SyncBatchDelayMS <= 0 {
		cfg.SyncBatchDelayMS = DefaultSyncBatchDelayMS
		updated = true
	}
	// Zero disables key cache expiry and is kept as written.
	if cfg.KeyCacheTTLSeconds < 0 {
		cfg.KeyCacheTTLSeconds = 0
		updated = true
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
		updated = true
	}

	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, err := logrus.ParseLevel(level); err != nil {
		level = DefaultLogLevel
	}
	if level != cfg.LogLevel {
		cfg.LogLevel = level
		updated = true
	}

	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.Ed25519PublicKeyPath == "" {
		cfg.Ed25519PublicKeyPath = filepath.Join(keysDir, "ed25519_public.pem")
		updated = true
	}
	if cfg.X25519PrivateKeyPath == "" {
		cfg.X25519PrivateKeyPath = filepath.Join(keysDir, "x25519_private.pem")
		updated = true
	}

	return updated
}

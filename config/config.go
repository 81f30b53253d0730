package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "wristlink"
	// DefaultListenAddress is used when no user override exists.
	DefaultListenAddress = ":0"
	// configFileName is the persisted configuration file.
	configFileName = "config.toml"
)

// Link-layer defaults, all overridable per device.
const (
	DefaultRetryDelayMS          = 1000
	DefaultRetryLimit            = 3
	DefaultClosedObjectTimeoutMS = 3000
	DefaultMaxObjectSize         = 1 << 20
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID      string     `toml:"device_id"`
	DeviceName    string     `toml:"device_name"`
	ListenAddress string     `toml:"listen_address"`
	Link          LinkConfig `toml:"link"`
}

// LinkConfig tunes the session protocol layer.
type LinkConfig struct {
	RetryDelayMS          int `toml:"retry_delay_ms"`
	RetryLimit            int `toml:"retry_limit"`
	ClosedObjectTimeoutMS int `toml:"closed_object_timeout_ms"`
	MaxObjectSize         int `toml:"max_object_size"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WRISTLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("WRISTLINK_DATA_DIR"); override != "" {
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

// ConfigPath returns the full path to config.toml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.toml from disk.
func Load(path string) (*DeviceConfig, error) {
	var cfg DeviceConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.toml to disk.
func Save(path string, cfg *DeviceConfig) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns the
// config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
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

func defaultConfig() *DeviceConfig {
	deviceName := "Wristlink Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    deviceName,
		ListenAddress: DefaultListenAddress,
		Link: LinkConfig{
			RetryDelayMS:          DefaultRetryDelayMS,
			RetryLimit:            DefaultRetryLimit,
			ClosedObjectTimeoutMS: DefaultClosedObjectTimeoutMS,
			MaxObjectSize:         DefaultMaxObjectSize,
		},
	}
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "Wristlink Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}

	if cfg.Link.RetryDelayMS <= 0 {
		cfg.Link.RetryDelayMS = DefaultRetryDelayMS
		updated = true
	}
	if cfg.Link.RetryLimit <= 0 {
		cfg.Link.RetryLimit = DefaultRetryLimit
		updated = true
	}
	if cfg.Link.ClosedObjectTimeoutMS <= 0 {
		cfg.Link.ClosedObjectTimeoutMS = DefaultClosedObjectTimeoutMS
		updated = true
	}
	if cfg.Link.MaxObjectSize <= 0 {
		cfg.Link.MaxObjectSize = DefaultMaxObjectSize
		updated = true
	}

	return updated
}

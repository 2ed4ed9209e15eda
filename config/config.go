// Package config persists local device settings under an OS-aware
// application data directory.
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
	AppDirectoryName = "landrop"
	// DefaultListenPort is the TCP port used when no user override exists.
	DefaultListenPort = 42424
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listen port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceName            string `json:"device_name"`
	PortMode              string `json:"port_mode"`
	ListenPort            int    `json:"listen_port"`
	Ed25519PrivateKeyPath string `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string `json:"ed25519_public_key_path"`
	InboxDir              string `json:"inbox_dir"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LANDROP_DATA_DIR"); override != "" {
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
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "inbox"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// LoadOrCreate loads the device configuration, creating defaults on
// first run. It returns the config and its path.
func LoadOrCreate() (DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return DeviceConfig{}, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return DeviceConfig{}, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	if err == nil {
		return cfg.withDefaults(dataDir), path, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return DeviceConfig{}, "", err
	}

	cfg = defaultConfig(dataDir)
	if err := Save(path, cfg); err != nil {
		return DeviceConfig{}, "", err
	}
	return cfg, path, nil
}

// Load reads a config file.
func Load(path string) (DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DeviceConfig{}, err
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return DeviceConfig{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Save writes the config file with private permissions.
func Save(path string, cfg DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func defaultConfig(dataDir string) DeviceConfig {
	return DeviceConfig{
		DeviceName:            defaultDeviceName(),
		PortMode:              PortModeAutomatic,
		ListenPort:            DefaultListenPort,
		Ed25519PrivateKeyPath: filepath.Join(dataDir, "keys", "identity.key"),
		Ed25519PublicKeyPath:  filepath.Join(dataDir, "keys", "identity.pub"),
		InboxDir:              filepath.Join(dataDir, "inbox"),
	}
}

func (c DeviceConfig) withDefaults(dataDir string) DeviceConfig {
	defaults := defaultConfig(dataDir)
	out := c
	if out.DeviceName == "" {
		out.DeviceName = defaults.DeviceName
	}
	if out.PortMode != PortModeAutomatic && out.PortMode != PortModeFixed {
		out.PortMode = defaults.PortMode
	}
	if out.ListenPort <= 0 {
		out.ListenPort = defaults.ListenPort
	}
	if out.Ed25519PrivateKeyPath == "" {
		out.Ed25519PrivateKeyPath = defaults.Ed25519PrivateKeyPath
	}
	if out.Ed25519PublicKeyPath == "" {
		out.Ed25519PublicKeyPath = defaults.Ed25519PublicKeyPath
	}
	if out.InboxDir == "" {
		out.InboxDir = defaults.InboxDir
	}
	return out
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "landrop-" + uuid.NewString()[:8]
	}
	return host
}

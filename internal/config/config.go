// Package config provides configuration directory management and the config file for sshfwd.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const appName = "sshfwd"

// Config holds the settings read from config.yaml. Command-line flags override them.
type Config struct {
	// User is the SSH login name. Empty means the current OS user.
	User string `yaml:"user"`
	// KeyFile is a private key used in addition to the standard keys in KeyDir.
	KeyFile string `yaml:"key_file"`
	// KeyDir is searched for id_ed25519, id_ecdsa and id_rsa.
	KeyDir string `yaml:"key_dir"`
	// NoKeys disables public key and agent authentication.
	NoKeys bool `yaml:"no_keys"`
	// KnownHosts is the known_hosts file used to verify servers.
	KnownHosts string `yaml:"known_hosts"`
	// HostKeyPolicy is one of accept-and-persist, warn-and-accept, reject-unknown.
	HostKeyPolicy string `yaml:"host_key_policy"`

	// LocalPort is the default local port; 0 allocates one.
	LocalPort int `yaml:"local_port"`
	// SSHPort is used when the server argument has no port.
	SSHPort int `yaml:"ssh_port"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ConnectRetries    int           `yaml:"connect_retries"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`

	// MetricsAddr, if set, serves Prometheus metrics at /metrics.
	MetricsAddr string `yaml:"metrics_addr"`
	// LogLevel is a logrus level name.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{
		HostKeyPolicy:     "accept-and-persist",
		LocalPort:         9001,
		SSHPort:           22,
		ConnectTimeout:    10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		DrainTimeout:      5 * time.Second,
		LogLevel:          "info",
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		c.KeyDir = filepath.Join(homeDir, ".ssh")
		c.KnownHosts = filepath.Join(homeDir, ".ssh", "known_hosts")
	}
	return c
}

// Load reads the YAML file at path on top of Default. A missing file is not an error.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	c.KeyFile = ExpandHome(c.KeyFile)
	c.KeyDir = ExpandHome(c.KeyDir)
	c.KnownHosts = ExpandHome(c.KnownHosts)
	return c, nil
}

// ExpandHome replaces a leading "~/" in path with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// GetConfigDir returns the configuration directory for sshfwd.
// It follows platform-specific conventions:
// - Windows: %APPDATA%\sshfwd
// - Unix-like: $XDG_CONFIG_HOME/sshfwd or $HOME/.config/sshfwd
func GetConfigDir() (string, error) {
	var configDir string

	// Check for XDG_CONFIG_HOME first (cross-platform standard)
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, appName)
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		// Windows: use APPDATA
		configDir = filepath.Join(appData, appName)
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		// Unix-like: use ~/.config/sshfwd
		configDir = filepath.Join(homeDir, ".config", appName)
	} else {
		return "", err
	}
	return configDir, nil
}

// GetConfigPath returns the full path to config.yaml in the config directory.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

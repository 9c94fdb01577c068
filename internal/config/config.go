package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override values loaded from the config file
const (
	EnvHarvestAddr    = "CAPTCHAHARVESTER_HARVEST_ADDR"
	EnvViewAddr       = "CAPTCHAHARVESTER_VIEW_ADDR"
	EnvSessionTimeout = "CAPTCHAHARVESTER_SESSION_TIMEOUT_SECONDS"
	EnvOpenBrowser    = "CAPTCHAHARVESTER_OPEN_BROWSER"
	EnvLogLevel       = "CAPTCHAHARVESTER_LOG_LEVEL"
	EnvLogPath        = "CAPTCHAHARVESTER_LOG_PATH"
)

// Config represents application configuration
type Config struct {
	HarvestAddr           string `json:"harvest_addr" toml:"harvest_addr"`                       // websocket endpoint for requesters
	ViewAddr              string `json:"view_addr" toml:"view_addr"`                             // endpoint the presented pages report back to
	SessionTimeoutSeconds int    `json:"session_timeout_seconds" toml:"session_timeout_seconds"` // 0 disables the per-session deadline
	MaxMessageSize        int64  `json:"max_message_size" toml:"max_message_size"`
	SendBuffer            int    `json:"send_buffer" toml:"send_buffer"`
	MailboxSize           int    `json:"mailbox_size" toml:"mailbox_size"`
	RegistryShards        int    `json:"registry_shards" toml:"registry_shards"`
	CloseOnDisconnect     bool   `json:"close_on_disconnect" toml:"close_on_disconnect"` // close surfaces whose requester went away
	OpenBrowser           bool   `json:"open_browser" toml:"open_browser"`
	LogLevel              string `json:"log_level" toml:"log_level"` // debug, info, warn, error, none
	LogPath               string `json:"log_path,omitempty" toml:"log_path"`
	PidPath               string `json:"pid_path,omitempty" toml:"pid_path"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "captchaharvester")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "captchaharvester")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "captchaharvester")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "captchaharvester")
	}
}

// DefaultConfig returns default configuration. The two addresses match the
// ports the harvester has always listened on.
func DefaultConfig() *Config {
	return &Config{
		HarvestAddr:           "localhost:8457",
		ViewAddr:              "localhost:8456",
		SessionTimeoutSeconds: 300,
		MaxMessageSize:        8192,
		SendBuffer:            16,
		MailboxSize:           256,
		RegistryShards:        16,
		CloseOnDisconnect:     false,
		OpenBrowser:           true,
		LogLevel:              "info",
	}
}

// Load loads configuration from path on top of the defaults. Files ending in
// .toml are decoded as TOML, everything else as JSON. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	} else if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	config.fillDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return config, nil
}

// fillDefaults restores defaults for fields a file explicitly zeroed where zero is meaningless
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if strings.TrimSpace(c.HarvestAddr) == "" {
		c.HarvestAddr = def.HarvestAddr
	}
	if strings.TrimSpace(c.ViewAddr) == "" {
		c.ViewAddr = def.ViewAddr
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.RegistryShards <= 0 {
		c.RegistryShards = def.RegistryShards
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate reports configuration values that cannot be served
func (c *Config) Validate() error {
	if c.SessionTimeoutSeconds < 0 {
		return fmt.Errorf("session_timeout_seconds must not be negative")
	}
	if c.HarvestAddr == c.ViewAddr {
		return fmt.Errorf("harvest_addr and view_addr must differ (%s)", c.HarvestAddr)
	}
	return nil
}

// ApplyEnv overrides fields from CAPTCHAHARVESTER_* environment variables
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvHarvestAddr)); v != "" {
		c.HarvestAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvViewAddr)); v != "" {
		c.ViewAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvSessionTimeout)); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvSessionTimeout, err)
		}
		c.SessionTimeoutSeconds = seconds
	}
	if v := strings.TrimSpace(os.Getenv(EnvOpenBrowser)); v != "" {
		open, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvOpenBrowser, err)
		}
		c.OpenBrowser = open
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
	return c.Validate()
}

// SessionTimeout returns the per-session deadline, zero when disabled
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// Save writes the configuration to path, as TOML for .toml files and as
// indented JSON otherwise
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		return os.WriteFile(path, buf.Bytes(), 0644)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

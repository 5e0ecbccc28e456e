package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	defaultAPIURL  = "http://localhost:3001/api"
	defaultAppName = "Chat"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
// Every field can be overridden by the CHATSYNC_* variable in its env tag.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Storage ConfigStorage `toml:"storage"`
}

// ConfigDefault holds server and presentation settings.
type ConfigDefault struct {
	APIURL   string `toml:"api_url" env:"CHATSYNC_API_URL"`
	WSURL    string `toml:"ws_url" env:"CHATSYNC_WS_URL"`
	AppName  string `toml:"app_name" env:"CHATSYNC_APP_NAME"`
	LogLevel string `toml:"log_level" env:"CHATSYNC_LOG_LEVEL"`
}

// ConfigAuth holds the identity the CLI acts as.
type ConfigAuth struct {
	UserID    string `toml:"user_id" env:"CHATSYNC_USER_ID"`
	UserName  string `toml:"user_name" env:"CHATSYNC_USER_NAME"`
	UserEmail string `toml:"user_email" env:"CHATSYNC_USER_EMAIL"`
	Token     string `toml:"token" env:"CHATSYNC_TOKEN"`
}

// ConfigStorage holds where client state lives.
type ConfigStorage struct {
	Path     string `toml:"path" env:"CHATSYNC_STORAGE_PATH"`
	RedisURL string `toml:"redis_url" env:"CHATSYNC_REDIS_URL"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file as written on disk.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file and applies environment overrides.
// Commands that write the file back use readConfigFile instead.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("cannot parse environment: %w", err)
	}
	return nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_url":
			cfg.Default.APIURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "app_name":
			cfg.Default.AppName = value
		case "log_level":
			if _, err := zerolog.ParseLevel(strings.ToLower(value)); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "user_name":
			cfg.Auth.UserName = value
		case "user_email":
			cfg.Auth.UserEmail = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "storage":
		switch field {
		case "path":
			cfg.Storage.Path = value
		case "redis_url":
			cfg.Storage.RedisURL = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, storage)", section)
	}
	return nil
}

// apiURL returns the REST base URL, falling back to the local default.
func (c *Config) apiURL() string {
	return valueOrDefault(c.Default.APIURL, defaultAPIURL)
}

// serverURL is the API URL with its /api suffix removed. Uploads and avatars
// are served relative to it.
func (c *Config) serverURL() string {
	return strings.TrimSuffix(strings.TrimRight(c.apiURL(), "/"), "/api")
}

// wsURL returns the realtime server URL, defaulting to serverURL.
func (c *Config) wsURL() string {
	if c.Default.WSURL != "" {
		return c.Default.WSURL
	}
	return c.serverURL()
}

func (c *Config) appName() string {
	return valueOrDefault(c.Default.AppName, defaultAppName)
}

// ============================================================================
// Logging
// ============================================================================

// newLogger builds a console logger on stderr at the configured level (info when unset or invalid).
func newLogger(raw string) zerolog.Logger {
	level := zerolog.InfoLevel
	if raw != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = l
		}
	}
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Logger().Level(level)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Chat sync CLI",
	Long:         "Command-line client for the internal chat service.\nConfigure an identity, inspect users and conversations, and chat in the terminal.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

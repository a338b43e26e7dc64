package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DaemonConfig holds all configuration for raepkgd.
type DaemonConfig struct {
	Server  ServerConfig  `mapstructure:"server"`
	Repo    RepoConfig    `mapstructure:"repo"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the listen address.
type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// RepoConfig describes the repository the daemon serves.
type RepoConfig struct {
	Name    string `mapstructure:"name"`     // repository name stamped into the index
	Root    string `mapstructure:"root"`     // directory holding archives/ and index.json
	KeyFile string `mapstructure:"key_file"` // ed25519 signing key; empty serves unsigned
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Type      string `mapstructure:"type"`       // none | basic
	UsersFile string `mapstructure:"users_file"` // for basic auth
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | text
}

// NewDaemonViper creates a viper instance with daemon defaults and
// environment binding. CLI flags are bound on top by the command layer.
func NewDaemonViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("repo.name", "raeen-main")
	v.SetDefault("repo.root", "./repo")
	v.SetDefault("repo.key_file", "")
	v.SetDefault("auth.type", "none")
	v.SetDefault("auth.users_file", "./users.yaml")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("RAEPKGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadDaemonWithViper unmarshals a pre-configured viper instance so
// flags bound by the command layer take precedence.
func LoadDaemonWithViper(v *viper.Viper) (*DaemonConfig, error) {
	var cfg DaemonConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the daemon configuration.
func (c *DaemonConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Repo.Name == "" {
		return fmt.Errorf("repo.name must not be empty")
	}
	if c.Repo.Root == "" {
		return fmt.Errorf("repo.root must not be empty")
	}
	if c.Auth.Type != "none" && c.Auth.Type != "basic" {
		return fmt.Errorf("auth.type must be 'none' or 'basic'")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

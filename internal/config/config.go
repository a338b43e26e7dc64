package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Defaults mirror the stock RaeenOS layout.
const (
	DefaultConfigDir   = "/etc/raepkg"
	DefaultCacheDir    = "/var/cache/raepkg"
	DefaultStateDir    = "/var/lib/raepkg"
	DefaultInstallRoot = "/"

	// EnvConfigDir overrides the configuration directory.
	EnvConfigDir = "RAEPKG_CONFIG_DIR"
	// EnvAssumeYes suppresses confirmation prompts.
	EnvAssumeYes = "RAEPKG_ASSUME_YES"
	// EnvVerbose enables debug logging.
	EnvVerbose = "RAEPKG_VERBOSE"
)

// Config holds the installer configuration read from raepkg.conf.
type Config struct {
	InstallRoot             string `mapstructure:"install_root"`
	CacheDir                string `mapstructure:"cache_dir"`
	StateDir                string `mapstructure:"state_dir"`
	MaxParallelDownloads    int    `mapstructure:"max_parallel_downloads"`
	CacheRetentionDays      int    `mapstructure:"cache_retention_days"`
	MaxCacheSizeBytes       int64  `mapstructure:"max_cache_size_bytes"`
	VerifySignatures        bool   `mapstructure:"verify_signatures"`
	AllowUnsigned           bool   `mapstructure:"allow_unsigned"`
	AllowDowngrades         bool   `mapstructure:"allow_downgrades"`
	AutoResolveDependencies bool   `mapstructure:"auto_resolve_dependencies"`
	UseDeltaUpdates         bool   `mapstructure:"use_delta_updates"`
	LogLevel                string `mapstructure:"log_level"`
	LogFormat               string `mapstructure:"log_format"`

	// ConfigDir is where raepkg.conf, repos.d, and keys live. Set from
	// the --config flag or RAEPKG_CONFIG_DIR, never from the file itself.
	ConfigDir string `mapstructure:"-"`

	// AssumeYes and Verbose come from flags or environment only.
	AssumeYes bool `mapstructure:"-"`
	Verbose   bool `mapstructure:"-"`
}

// Load reads raepkg.conf from configDir (flag value; empty means
// RAEPKG_CONFIG_DIR or the default directory). A missing file yields
// the defaults; a malformed file is an error.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = os.Getenv(EnvConfigDir)
	}
	if configDir == "" {
		configDir = DefaultConfigDir
	}

	v := viper.New()
	setDefaults(v)

	// raepkg.conf is flat key=value
	v.SetConfigFile(filepath.Join(configDir, "raepkg.conf"))
	v.SetConfigType("properties")

	v.SetEnvPrefix("RAEPKG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !os.IsNotExist(err) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ConfigDir = configDir
	cfg.AssumeYes = boolEnv(EnvAssumeYes)
	cfg.Verbose = boolEnv(EnvVerbose)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("install_root", DefaultInstallRoot)
	v.SetDefault("cache_dir", DefaultCacheDir)
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("max_parallel_downloads", 4)
	v.SetDefault("cache_retention_days", 30)
	v.SetDefault("max_cache_size_bytes", int64(10)<<30)
	v.SetDefault("verify_signatures", true)
	v.SetDefault("allow_unsigned", false)
	v.SetDefault("allow_downgrades", false)
	v.SetDefault("auto_resolve_dependencies", true)
	v.SetDefault("use_delta_updates", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.InstallRoot == "" {
		return fmt.Errorf("install_root must not be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.MaxParallelDownloads < 1 || c.MaxParallelDownloads > 32 {
		return fmt.Errorf("max_parallel_downloads must be between 1 and 32")
	}
	if c.CacheRetentionDays < 0 {
		return fmt.Errorf("cache_retention_days must be >= 0")
	}
	if c.MaxCacheSizeBytes < 0 {
		return fmt.Errorf("max_cache_size_bytes must be >= 0")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be json or text")
	}
	return nil
}

// ReposDir is where per-repository files live.
func (c *Config) ReposDir() string { return filepath.Join(c.ConfigDir, "repos.d") }

// KeysDir is where trusted repository public keys live, one file per
// key id.
func (c *Config) KeysDir() string { return filepath.Join(c.ConfigDir, "keys") }

// CatalogPath is the durable catalog file.
func (c *Config) CatalogPath() string { return filepath.Join(c.StateDir, "catalog.db") }

// TransactionsDir holds one directory per transaction.
func (c *Config) TransactionsDir() string { return filepath.Join(c.StateDir, "transactions") }

// LockPath is the global commit lock file.
func (c *Config) LockPath() string { return filepath.Join(c.StateDir, "lock") }

// IndexCacheDir caches the last fetched index per repository.
func (c *Config) IndexCacheDir() string { return filepath.Join(c.CacheDir, "index") }

// ArchiveCacheDir is the content-addressed archive cache.
func (c *Config) ArchiveCacheDir() string { return filepath.Join(c.CacheDir, "archives") }

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// empty config dir: no raepkg.conf, pure defaults
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultInstallRoot, cfg.InstallRoot)
	assert.Equal(t, DefaultCacheDir, cfg.CacheDir)
	assert.Equal(t, DefaultStateDir, cfg.StateDir)
	assert.Equal(t, 4, cfg.MaxParallelDownloads)
	assert.Equal(t, 30, cfg.CacheRetentionDays)
	assert.Equal(t, int64(10)<<30, cfg.MaxCacheSizeBytes)
	assert.True(t, cfg.VerifySignatures)
	assert.False(t, cfg.AllowDowngrades)
	assert.True(t, cfg.AutoResolveDependencies)
	assert.True(t, cfg.UseDeltaUpdates)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	conf := `install_root=/opt/raeen
cache_dir=/tmp/raepkg-cache
state_dir=/tmp/raepkg-state
max_parallel_downloads=8
verify_signatures=false
allow_downgrades=true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raepkg.conf"), []byte(conf), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "/opt/raeen", cfg.InstallRoot)
	assert.Equal(t, "/tmp/raepkg-cache", cfg.CacheDir)
	assert.Equal(t, 8, cfg.MaxParallelDownloads)
	assert.False(t, cfg.VerifySignatures)
	assert.True(t, cfg.AllowDowngrades)
	// untouched keys keep their defaults
	assert.Equal(t, 30, cfg.CacheRetentionDays)
}

func TestLoad_InvalidFileValue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raepkg.conf"),
		[]byte("max_parallel_downloads=200\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_parallel_downloads")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvAssumeYes, "1")
	t.Setenv(EnvVerbose, "true")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.AssumeYes)
	assert.True(t, cfg.Verbose)
}

func TestLoad_ConfigDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raepkg.conf"),
		[]byte("max_parallel_downloads=2\n"), 0o644))
	t.Setenv(EnvConfigDir, dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ConfigDir)
	assert.Equal(t, 2, cfg.MaxParallelDownloads)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			InstallRoot:          "/",
			CacheDir:             "/var/cache/raepkg",
			StateDir:             "/var/lib/raepkg",
			MaxParallelDownloads: 4,
			LogLevel:             "info",
			LogFormat:            "text",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "downloads too low",
			mutate: func(c *Config) { c.MaxParallelDownloads = 0 },
			errMsg: "max_parallel_downloads",
		},
		{
			name:   "downloads too high",
			mutate: func(c *Config) { c.MaxParallelDownloads = 33 },
			errMsg: "max_parallel_downloads",
		},
		{
			name:   "negative retention",
			mutate: func(c *Config) { c.CacheRetentionDays = -1 },
			errMsg: "cache_retention_days",
		},
		{
			name:   "empty install root",
			mutate: func(c *Config) { c.InstallRoot = "" },
			errMsg: "install_root",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.LogLevel = "trace" },
			errMsg: "log_level",
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.LogFormat = "xml" },
			errMsg: "log_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPaths(t *testing.T) {
	cfg := &Config{
		ConfigDir: "/etc/raepkg",
		CacheDir:  "/var/cache/raepkg",
		StateDir:  "/var/lib/raepkg",
	}
	assert.Equal(t, "/var/lib/raepkg/catalog.db", cfg.CatalogPath())
	assert.Equal(t, "/var/lib/raepkg/transactions", cfg.TransactionsDir())
	assert.Equal(t, "/var/lib/raepkg/lock", cfg.LockPath())
	assert.Equal(t, "/var/cache/raepkg/index", cfg.IndexCacheDir())
	assert.Equal(t, "/var/cache/raepkg/archives", cfg.ArchiveCacheDir())
	assert.Equal(t, "/etc/raepkg/repos.d", cfg.ReposDir())
	assert.Equal(t, "/etc/raepkg/keys", cfg.KeysDir())
}

func TestDaemonConfig_Validate(t *testing.T) {
	v := NewDaemonViper()
	cfg, err := LoadDaemonWithViper(v)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "raeen-main", cfg.Repo.Name)

	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Server.Port = 8080
	cfg.Auth.Type = "jwt"
	assert.Error(t, cfg.Validate())
}

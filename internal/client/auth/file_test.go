//go:build linux || freebsd

package auth

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// Redirect os.UserHomeDir so tests never touch the real store.
func fakeHome(t *testing.T) string {
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestCredentials_Roundtrip(t *testing.T) {
	fakeHome(t)

	require.NoError(t, SaveCredentials("pkg.example.org", "alice", "s3cret"))
	require.NoError(t, SaveCredentials("mirror.example.org", "bob", "hunter2"))

	user, pass, err := LoadCredentials("pkg.example.org")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "s3cret", pass)

	user, pass, err = LoadCredentials("mirror.example.org")
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "hunter2", pass)
}

func TestCredentials_NotFound(t *testing.T) {
	fakeHome(t)

	_, _, err := LoadCredentials("nowhere.example.org")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentials_FilePermissions(t *testing.T) {
	home := fakeHome(t)

	require.NoError(t, SaveCredentials("pkg.example.org", "alice", "s3cret"))

	info, err := os.Stat(filepath.Join(home, configDir, configFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestCredentials_Delete(t *testing.T) {
	fakeHome(t)

	require.NoError(t, SaveCredentials("pkg.example.org", "alice", "s3cret"))
	require.NoError(t, DeleteCredentials("pkg.example.org"))

	_, _, err := LoadCredentials("pkg.example.org")
	assert.ErrorIs(t, err, ErrNotFound)

	// deleting a host that was never stored is not an error
	assert.NoError(t, DeleteCredentials("nowhere.example.org"))
}

func TestSource_EnvOverridesStore(t *testing.T) {
	fakeHome(t)
	require.NoError(t, SaveCredentials("pkg.example.org", "stored", "stored-pass"))

	src := NewSource(testLogger())

	t.Setenv(UsernameEnvVar, "ci-user")
	t.Setenv(PasswordEnvVar, "ci-pass")
	user, pass, ok := src.Credentials("pkg.example.org")
	require.True(t, ok)
	assert.Equal(t, "ci-user", user)
	assert.Equal(t, "ci-pass", pass)

	t.Setenv(UsernameEnvVar, "")
	t.Setenv(PasswordEnvVar, "")
	user, pass, ok = src.Credentials("pkg.example.org")
	require.True(t, ok)
	assert.Equal(t, "stored", user)
	assert.Equal(t, "stored-pass", pass)

	_, _, ok = src.Credentials("nowhere.example.org")
	assert.False(t, ok)
}

package auth

import (
	"errors"
	"log/slog"
	"os"
)

const (
	// UsernameEnvVar and PasswordEnvVar override stored credentials for
	// every host. They exist for CI environments without a keyring.
	UsernameEnvVar = "RAEPKG_USERNAME"
	PasswordEnvVar = "RAEPKG_PASSWORD"
)

// Source exposes stored credentials to the download client.
type Source struct {
	logger *slog.Logger
}

// NewSource creates a credential source backed by the platform store.
func NewSource(logger *slog.Logger) *Source {
	return &Source{logger: logger}
}

// Credentials resolves credentials for host using precedence:
// 1. RAEPKG_USERNAME / RAEPKG_PASSWORD environment variables
// 2. The platform credential store
func (s *Source) Credentials(host string) (username, password string, ok bool) {
	if user := os.Getenv(UsernameEnvVar); user != "" {
		return user, os.Getenv(PasswordEnvVar), true
	}

	username, password, err := LoadCredentials(host)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Failed to load stored credentials", "host", host, "error", err)
		}
		return "", "", false
	}
	return username, password, true
}

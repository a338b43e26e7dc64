//go:build darwin || windows

package auth

import (
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const keyringService = "raepkg"

// LoadCredentials loads credentials for host from the system keyring.
// The secret is stored as "username\npassword" under the host account.
func LoadCredentials(host string) (username, password string, err error) {
	secret, err := keyring.Get(keyringService, host)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, host)
		}
		return "", "", fmt.Errorf("failed to read keyring: %w", err)
	}

	username, password, ok := strings.Cut(secret, "\n")
	if !ok || username == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, host)
	}
	return username, password, nil
}

// SaveCredentials stores credentials for host in the system keyring
func SaveCredentials(host, username, password string) error {
	if err := keyring.Set(keyringService, host, username+"\n"+password); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}

// DeleteCredentials removes the stored credentials for host
func DeleteCredentials(host string) error {
	if err := keyring.Delete(keyringService, host); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}

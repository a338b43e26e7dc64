// Package auth stores credentials for authenticated package repositories,
// keyed by repository host.
//
// Platform backends:
//   - file.go: credentials.yaml under ~/.config/raepkg (Linux, FreeBSD)
//   - keyring.go: the system keyring (macOS, Windows)
package auth

import "errors"

// ErrNotFound means no credentials are stored for the host.
var ErrNotFound = errors.New("credentials not found")

// Package auth gates repository access for raepkgd. The daemon serves
// either anonymously or behind HTTP basic auth backed by a users.yaml of
// bcrypt hashes, the same credentials raepkg stores with repo login.
package auth

import (
	"errors"
	"net/http"
)

// ErrUnauthorized is returned when a request carries missing or invalid
// credentials.
var ErrUnauthorized = errors.New("unauthorized")

// User is an authenticated client identity.
type User struct {
	Username string
}

// Authenticator validates request credentials.
type Authenticator interface {
	Authenticate(r *http.Request) (*User, error)
}

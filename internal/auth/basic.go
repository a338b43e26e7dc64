package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// UserEntry is one credential in the users file.
type UserEntry struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` // bcrypt hash
}

// UsersFile is the on-disk shape of users.yaml.
type UsersFile struct {
	Users []UserEntry `yaml:"users"`
}

// Basic authenticates HTTP basic credentials against a users.yaml of
// bcrypt hashes.
type Basic struct {
	users  map[string]string // username -> bcrypt hash
	logger *slog.Logger
}

// NewBasic loads the users file and returns a basic authenticator.
func NewBasic(path string, logger *slog.Logger) (*Basic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var file UsersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	users := make(map[string]string, len(file.Users))
	for _, u := range file.Users {
		users[u.Username] = u.Password
	}

	logger.Info("Basic auth enabled",
		"users_file", path,
		"users", len(users))
	return &Basic{users: users, logger: logger}, nil
}

// Authenticate checks the request's basic auth header. Unknown users and
// wrong passwords return the same error; the log carries the difference.
func (a *Basic) Authenticate(r *http.Request) (*User, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, fmt.Errorf("%w: no credentials", ErrUnauthorized)
	}

	hash, exists := a.users[username]
	if !exists {
		a.logger.Warn("Authentication failed: unknown user",
			"username", username,
			"remote_addr", r.RemoteAddr)
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		a.logger.Warn("Authentication failed: wrong password",
			"username", username,
			"remote_addr", r.RemoteAddr)
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}

	return &User{Username: username}, nil
}

// HashPassword produces the bcrypt hash stored in users.yaml.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

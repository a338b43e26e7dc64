package auth

import "net/http"

// None allows every request, the open-repository default.
type None struct{}

// NewNone returns the pass-through authenticator.
func NewNone() *None {
	return &None{}
}

// Authenticate reports every caller as anonymous.
func (*None) Authenticate(*http.Request) (*User, error) {
	return &User{Username: "anonymous"}, nil
}

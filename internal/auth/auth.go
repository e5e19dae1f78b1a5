// internal/auth/auth.go
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnauthorized marks a 401 (or equivalent) from the backend. It is the
// only error that escalates out of the session core; everything else
// resolves to a terminal session state.
var ErrUnauthorized = errors.New("unauthorized")

// StaticToken is a TokenSource holding a fixed token.
type StaticToken string

// Token returns the static token, or an error if it is empty.
func (t StaticToken) Token() (string, error) {
	if t == "" {
		return "", errors.New("no auth token configured")
	}
	return string(t), nil
}

// EnvToken reads the token from an environment variable on every call,
// so a re-login that updates the environment is picked up without restart.
type EnvToken struct {
	Var string
}

// Token returns the current value of the environment variable.
func (t EnvToken) Token() (string, error) {
	v := strings.TrimSpace(os.Getenv(t.Var))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is empty", t.Var)
	}
	return v, nil
}

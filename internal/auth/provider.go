// Package auth supplies the bearer credential used for the websocket
// handshake and history requests. Issuing tokens is the server's job.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoCredential is returned when no credential is configured.
var ErrNoCredential = errors.New("auth: no credential available")

// Provider returns the current credential.
type Provider interface {
	Credential(ctx context.Context) (string, error)
}

// Static is a fixed token.
type Static string

func (s Static) Credential(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// Env reads the token from an environment variable on every call, so a
// rotated token is picked up on the next connect.
type Env struct {
	Var string
}

func (e Env) Credential(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(e.Var))
	if v == "" {
		return "", fmt.Errorf("%w: $%s is empty", ErrNoCredential, e.Var)
	}
	return v, nil
}

// FromConfig prefers an explicit token and falls back to tokenEnv.
func FromConfig(token, tokenEnv string) Provider {
	if token != "" || tokenEnv == "" {
		return Static(token)
	}
	return Env{Var: tokenEnv}
}

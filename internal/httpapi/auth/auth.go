// Package auth implements the optional shared bearer token for write
// endpoints (spec.md §6 Environment), dual-mode like the teacher's
// internal/auth.JWTService: a signed JWT when a secret is configured,
// falling back to a constant-time compare against a static token.
// Unlike the teacher's per-user auth.Service (JWT + API key + OAuth +
// session cookie, backing a multi-user web UI), this system has no
// user model — the token gates write access for one operator, so
// Verify returns only an error, never a *models.User.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned when neither the JWT secret nor the
// static token accept the presented credential.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Config configures the Verifier. Both fields empty disables auth
// entirely, matching a local single-operator deployment.
type Config struct {
	StaticToken string
	JWTSecret   string
}

// Verifier checks the bearer credential on write requests.
type Verifier struct {
	staticToken []byte
	jwtSecret   []byte
}

func New(cfg Config) *Verifier {
	return &Verifier{staticToken: []byte(cfg.StaticToken), jwtSecret: []byte(cfg.JWTSecret)}
}

// Enabled reports whether any credential is configured; when false,
// the caller should skip the auth check entirely.
func (v *Verifier) Enabled() bool {
	return v != nil && (len(v.staticToken) > 0 || len(v.jwtSecret) > 0)
}

// Verify checks the raw Authorization header value.
func (v *Verifier) Verify(header string) error {
	if !v.Enabled() {
		return nil
	}
	token := strings.TrimSpace(header)
	for _, prefix := range []string{"Bearer ", "bearer "} {
		if strings.HasPrefix(token, prefix) {
			token = strings.TrimSpace(token[len(prefix):])
			break
		}
	}
	if token == "" {
		return ErrUnauthorized
	}

	if len(v.jwtSecret) > 0 {
		_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.jwtSecret, nil
		})
		if err == nil {
			return nil
		}
	}

	if len(v.staticToken) > 0 && subtle.ConstantTimeCompare([]byte(token), v.staticToken) == 1 {
		return nil
	}
	return ErrUnauthorized
}

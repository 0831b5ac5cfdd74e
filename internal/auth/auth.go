// Package auth guards the mutating HTTP surface with a single operator
// account: bcrypt-checked credentials exchanged for JWT bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config carries the operator credentials and token parameters.
type Config struct {
	Enabled  bool
	Username string
	// Password is either plaintext or a pre-computed bcrypt hash.
	Password  string
	JWTSecret string
	JWTExpiry time.Duration
}

// Authenticator validates the configured account and issues session tokens.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// New builds an authenticator from cfg. A bcrypt-shaped password is used
// as-is; anything else is hashed once here.
func New(cfg Config) (*Authenticator, error) {
	a := &Authenticator{
		enabled:    cfg.Enabled,
		username:   cfg.Username,
		jwtManager: NewJWTManager(cfg.JWTSecret, cfg.JWTExpiry),
	}
	if a.username == "" {
		a.username = "admin"
	}

	if cfg.Enabled {
		if looksHashed(cfg.Password) {
			a.passwordHash = []byte(cfg.Password)
		} else {
			hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password: %w", err)
			}
			a.passwordHash = hash
		}
	}
	return a, nil
}

// looksHashed recognizes the bcrypt output shape.
func looksHashed(password string) bool {
	return len(password) == 60 && password[0] == '$'
}

// IsEnabled reports whether requests must carry a token.
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT token with its unix
// expiry.
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token and returns its claims.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// HashPassword produces a bcrypt hash suitable for the password config key.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

package domain

import (
	"strings"
	"time"
)

const (
	MaxUsernameLength = 256
	MaxPasswordLength = 256
)

// Credential is received once per login and never persisted.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credential) Validate() error {
	username := strings.TrimSpace(c.Username)
	switch {
	case username == "":
		return InputError("invalid_username", "username is required")
	case len(username) > MaxUsernameLength:
		return InputError("invalid_username", "username is too long")
	case !looksLikeEmail(username):
		return InputError("invalid_username", "username must be an email address")
	case c.Password == "":
		return InputError("invalid_password", "password is required")
	case len(c.Password) > MaxPasswordLength:
		return InputError("invalid_password", "password is too long")
	}
	return nil
}

func looksLikeEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return strings.Contains(s[at+1:], ".") && !strings.ContainsAny(s, " \t\r\n")
}

// UpstreamCredential is the vehicle API's own token pair as cached for one
// user. SecretVerifier is a bcrypt hash of the password that obtained it.
type UpstreamCredential struct {
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	TokenType      string    `json:"token_type"`
	ObtainedAt     time.Time `json:"obtained_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	SecretVerifier []byte    `json:"secret_verifier,omitempty"`
}

func (c UpstreamCredential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

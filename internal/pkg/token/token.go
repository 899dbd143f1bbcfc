package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New generates a cryptographically random 64-character hex token.
func New() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewResetToken generates the opaque token that binds a password reset
// handshake to one session.
func NewResetToken() (string, error) {
	t, err := New()
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return t, nil
}

// Package totp adapts pquerna/otp as the OTP algorithm provider.
package totp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	period     = 30
	skew       = 1
	secretSize = 20
)

// Provider generates enrollment secrets and validates authenticator codes.
type Provider struct {
	issuer string
	clock  clock.Clock
}

func NewProvider(issuer string, c clock.Clock) *Provider {
	if strings.TrimSpace(issuer) == "" {
		issuer = "go-auth-nosql"
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Provider{issuer: issuer, clock: c}
}

// GenerateSecret returns a base32 secret and its otpauth:// provisioning URL.
func (p *Provider) GenerateSecret(accountName string) (secret, url string, err error) {
	if strings.TrimSpace(accountName) == "" {
		return "", "", errors.New("totp: account name is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Period:      period,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		SecretSize:  secretSize,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp key: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// Validate reports whether code is current for secret, allowing one period of drift.
// Malformed input is a negative result, not an error.
func (p *Provider) Validate(code, secret string) bool {
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, p.clock.Now(), totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

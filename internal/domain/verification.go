package domain

import (
	"fmt"
	"time"
)

// Purpose is the reason a verification record was issued. All purposes share
// one record shape so the single-active-record rule is enforced in one place.
type Purpose string

const (
	PurposeEmail2FA      Purpose = "EMAIL_2FA"
	PurposeTOTPSetup     Purpose = "TOTP_SETUP"
	PurposeLoginEmail    Purpose = "LOGIN_EMAIL"
	PurposePasswordReset Purpose = "PASSWORD_RESET"
	PurposePhoneConfirm  Purpose = "PHONE_CONFIRM"
	// PurposeLoginChallenge binds a second-factor step to the password check
	// that preceded it.
	PurposeLoginChallenge Purpose = "LOGIN_CHALLENGE"
)

// Purposes lists every known purpose.
var Purposes = []Purpose{
	PurposeEmail2FA,
	PurposeTOTPSetup,
	PurposeLoginEmail,
	PurposePasswordReset,
	PurposePhoneConfirm,
	PurposeLoginChallenge,
}

// ParsePurpose validates a wire value.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown purpose %q: %w", s, ErrBadRequest)
	}
	return p, nil
}

func (p Purpose) Valid() bool {
	for _, known := range Purposes {
		if p == known {
			return true
		}
	}
	return false
}

// SecretKind is how the secret of a purpose is generated.
type SecretKind int

const (
	SecretDigits SecretKind = iota
	SecretTOTP
	SecretOpaque
)

func (p Purpose) Secret() SecretKind {
	switch p {
	case PurposeTOTPSetup:
		return SecretTOTP
	case PurposeLoginChallenge:
		return SecretOpaque
	}
	return SecretDigits
}

// DigitCode reports whether the secret is a 6-digit code.
func (p Purpose) DigitCode() bool {
	return p.Secret() == SecretDigits
}

// InBand reports whether the secret is returned to the caller instead of being
// handed to the notification sender.
func (p Purpose) InBand() bool {
	return !p.DigitCode()
}

// Channel is the delivery channel used for the purpose.
func (p Purpose) Channel() Channel {
	if p == PurposePhoneConfirm {
		return ChannelSMS
	}
	return ChannelEmail
}

// VerificationRecord is one issued secret. Consumed only ever moves false -> true.
// Expired records are removed by the sweeper; nothing else deletes them.
type VerificationRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Code      string    `json:"-"`
	Purpose   Purpose   `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// ValidAt reports whether the record may still be accepted at now.
// Equality with ExpiresAt is still valid.
func (v *VerificationRecord) ValidAt(now time.Time) bool {
	return !v.Consumed && !now.After(v.ExpiresAt)
}

// ExpiredAt reports whether the record's deadline is strictly before now.
func (v *VerificationRecord) ExpiredAt(now time.Time) bool {
	return v.ExpiresAt.Before(now)
}

// Newer orders records by creation time, then id. ULIDs make the id tie-break
// match creation order.
func (v *VerificationRecord) Newer(other *VerificationRecord) bool {
	if !v.CreatedAt.Equal(other.CreatedAt) {
		return v.CreatedAt.After(other.CreatedAt)
	}
	return v.ID > other.ID
}

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Destination is where a code is delivered.
type Destination struct {
	Channel Channel
	Address string
}

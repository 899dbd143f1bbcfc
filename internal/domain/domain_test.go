package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestVerificationRecord_ValidAt(t *testing.T) {
	rec := &VerificationRecord{ExpiresAt: t0}

	assert.True(t, rec.ValidAt(t0.Add(-time.Minute)))
	assert.True(t, rec.ValidAt(t0), "the deadline itself is still valid")
	assert.False(t, rec.ValidAt(t0.Add(time.Millisecond)))

	rec.Consumed = true
	assert.False(t, rec.ValidAt(t0.Add(-time.Minute)))
}

func TestVerificationRecord_ExpiredAt(t *testing.T) {
	rec := &VerificationRecord{ExpiresAt: t0}
	assert.False(t, rec.ExpiredAt(t0))
	assert.True(t, rec.ExpiredAt(t0.Add(time.Nanosecond)))
}

func TestVerificationRecord_Newer(t *testing.T) {
	a := &VerificationRecord{ID: "01A", CreatedAt: t0}
	b := &VerificationRecord{ID: "01B", CreatedAt: t0}
	c := &VerificationRecord{ID: "00Z", CreatedAt: t0.Add(time.Millisecond)}

	assert.True(t, b.Newer(a), "same instant falls back to id")
	assert.False(t, a.Newer(b))
	assert.True(t, c.Newer(b), "creation time wins over id")
	assert.False(t, a.Newer(a))
}

func TestParsePurpose(t *testing.T) {
	for _, p := range Purposes {
		got, err := ParsePurpose(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePurpose("email_2fa")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPurpose_Traits(t *testing.T) {
	assert.False(t, PurposeTOTPSetup.DigitCode())
	assert.True(t, PurposeTOTPSetup.InBand())
	assert.True(t, PurposePasswordReset.DigitCode())
	assert.False(t, PurposeLoginEmail.InBand())
	assert.Equal(t, ChannelSMS, PurposePhoneConfirm.Channel())
	assert.Equal(t, ChannelEmail, PurposeEmail2FA.Channel())
	assert.Equal(t, SecretOpaque, PurposeLoginChallenge.Secret())
	assert.True(t, PurposeLoginChallenge.InBand())
	assert.False(t, PurposeLoginChallenge.DigitCode())
}

func TestCanTransition(t *testing.T) {
	states := []SessionState{SessionActive, SessionExpired, SessionRevoked}
	for _, from := range states {
		for _, to := range states {
			want := from == SessionActive && to != SessionActive
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestSession_Active(t *testing.T) {
	var nilSession *Session
	assert.False(t, nilSession.Active())
	assert.True(t, (&Session{State: SessionActive}).Active())
	assert.False(t, (&Session{State: SessionRevoked}).Active())
}

func TestUser_Destination(t *testing.T) {
	phone := "+14155550123"
	u := &User{Email: "alice@example.com", Phone: &phone}

	d, ok := u.Destination(ChannelEmail)
	require.True(t, ok)
	assert.Equal(t, Destination{Channel: ChannelEmail, Address: "alice@example.com"}, d)

	d, ok = u.Destination(ChannelSMS)
	require.True(t, ok)
	assert.Equal(t, "+14155550123", d.Address)

	empty := ""
	_, ok = (&User{Phone: &empty}).Destination(ChannelSMS)
	assert.False(t, ok)
	_, ok = (&User{}).Destination(ChannelEmail)
	assert.False(t, ok)
}

func TestStorageError(t *testing.T) {
	cause := errors.New("connection reset")
	err := StorageError("redis hgetall", cause)

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "redis hgetall: storage unavailable: connection reset")
}

func TestErrUserNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrUserNotFound, ErrNotFound)
}

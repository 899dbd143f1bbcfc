package domain

import "time"

// SessionState is one of ACTIVE, EXPIRED or REVOKED. Only ACTIVE may change.
type SessionState string

const (
	SessionActive  SessionState = "ACTIVE"
	SessionExpired SessionState = "EXPIRED"
	SessionRevoked SessionState = "REVOKED"
)

// Terminal reports whether no further transition is allowed.
func (s SessionState) Terminal() bool {
	return s == SessionExpired || s == SessionRevoked
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to SessionState) bool {
	return from == SessionActive && to.Terminal()
}

// Session tracks one authenticated bearer credential by its token id.
type Session struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	SessionTokenID string       `json:"-"`
	ClientAddress  string       `json:"client_address"`
	State          SessionState `json:"state"`
	CreatedAt      time.Time    `json:"created"`
	LastActivityAt time.Time    `json:"last_activity"`
	ResetToken     string       `json:"-"`
	// RefreshHash is the SHA-256 of the refresh secret; empty when the session
	// cannot be refreshed.
	RefreshHash      string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// Active reports whether downstream authorization may accept the session.
func (s *Session) Active() bool {
	return s != nil && s.State == SessionActive
}

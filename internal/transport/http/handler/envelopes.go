package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/pkg/validate"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// AuthEnvelope wraps login responses. Either Bearer or Challenge is set.
type AuthEnvelope struct {
	Bearer       string          `json:"Bearer,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Session      *domain.Session `json:"session,omitempty"`
	Challenge    *auth.Challenge `json:"challenge,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// CodeEnvelope wraps the response to a code request.
type CodeEnvelope struct {
	Message         string     `json:"message"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Secret          string     `json:"secret,omitempty"`
	ProvisioningURL string     `json:"provisioning_url,omitempty"`
}

// ResetEnvelope carries the reset token that authorizes a password change.
type ResetEnvelope struct {
	ResetToken string `json:"reset_token"`
}

// SessionEnvelope wraps current-session responses.
type SessionEnvelope struct {
	Session *domain.Session `json:"session,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SessionsEnvelope wraps the list of a user's active sessions.
type SessionsEnvelope struct {
	Data  []domain.Session `json:"data"`
	Count int              `json:"count"`
}

func authEnvelope(res *auth.LoginResult) AuthEnvelope {
	env := AuthEnvelope{Bearer: res.Bearer, RefreshToken: res.RefreshToken, Session: res.Session, Challenge: res.Challenge}
	if !res.ExpiresAt.IsZero() {
		exp := res.ExpiresAt
		env.ExpiresAt = &exp
	}
	return env
}

func codeEnvelope(c *verification.Confirmation) CodeEnvelope {
	exp := c.ExpiresAt
	return CodeEnvelope{
		Message:         c.Message,
		ExpiresAt:       &exp,
		Secret:          c.Secret,
		ProvisioningURL: c.ProvisioningURL,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler may continue.
func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		if errors.Is(err, domain.ErrBadRequest) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

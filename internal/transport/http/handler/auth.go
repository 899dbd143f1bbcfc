package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/pkg/mask"
	"github.com/go-auth-nosql/internal/transport/http/middleware"
	"go.uber.org/zap"
)

// AuthHandler handles the unauthenticated login and password recovery flows.
type AuthHandler struct {
	svc auth.Service
	log *zap.Logger
}

func NewAuthHandler(svc auth.Service, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{svc: svc, log: log}
}

// Login answers with a bearer token, or with a challenge when the account
// requires a second factor.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req, middleware.ClientAddress(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authEnvelope(res))
}

func (h *AuthHandler) SecondFactor(w http.ResponseWriter, r *http.Request) {
	var req auth.SecondFactorRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.VerifySecondFactor(r.Context(), req, middleware.ClientAddress(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authEnvelope(res))
}

// Refresh trades a refresh token for a new bearer and refresh token on the
// same session.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authEnvelope(res))
}

func (h *AuthHandler) RequestLoginCode(w http.ResponseWriter, r *http.Request) {
	var req auth.EmailRequest
	if !decode(w, r, &req) {
		return
	}
	_, err := h.svc.RequestLoginCode(r.Context(), req.Email)
	h.acceptCodeRequest(w, req.Email, err)
}

func (h *AuthHandler) LoginWithCode(w http.ResponseWriter, r *http.Request) {
	var req auth.CodeLoginRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.LoginWithCode(r.Context(), req, middleware.ClientAddress(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authEnvelope(res))
}

func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req auth.EmailRequest
	if !decode(w, r, &req) {
		return
	}
	_, err := h.svc.RequestPasswordReset(r.Context(), req.Email)
	h.acceptCodeRequest(w, req.Email, err)
}

func (h *AuthHandler) VerifyPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req auth.CodeLoginRequest
	if !decode(w, r, &req) {
		return
	}
	rt, err := h.svc.VerifyPasswordReset(r.Context(), req, middleware.ClientAddress(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResetEnvelope{ResetToken: rt})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req auth.ChangePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.ChangePassword(r.Context(), req); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "password changed"})
}

// acceptCodeRequest answers identically whether or not the address belongs
// to an account.
func (h *AuthHandler) acceptCodeRequest(w http.ResponseWriter, email string, err error) {
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		httpError(w, err)
		return
	}
	if err != nil {
		h.log.Debug("code requested for unknown address")
	}
	masked := mask.Email(strings.ToLower(strings.TrimSpace(email)))
	writeJSON(w, http.StatusAccepted, MessageEnvelope{Message: verification.SentTo(masked)})
}

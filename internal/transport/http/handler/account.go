package handler

import (
	"net/http"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/transport/http/middleware"
)

// AccountHandler handles second-factor settings and phone confirmation for
// the authenticated user.
type AccountHandler struct {
	svc auth.Service
}

func NewAccountHandler(svc auth.Service) *AccountHandler { return &AccountHandler{svc: svc} }

// BeginTOTP returns the pending secret and its provisioning URL.
func (h *AccountHandler) BeginTOTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conf, err := h.svc.BeginTOTPEnrollment(r.Context(), claims.UserID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codeEnvelope(conf))
}

func (h *AccountHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req auth.CodeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.ConfirmTOTPEnrollment(r.Context(), claims.UserID, req.Code); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "authenticator enabled"})
}

func (h *AccountHandler) SetEmail2FA(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.SetEmail2FA(r.Context(), claims.UserID, *req.Enabled); err != nil {
		httpError(w, err)
		return
	}
	msg := "email second factor disabled"
	if *req.Enabled {
		msg = "email second factor enabled"
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: msg})
}

func (h *AccountHandler) RequestPhoneConfirmation(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conf, err := h.svc.RequestPhoneConfirmation(r.Context(), claims.UserID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, codeEnvelope(conf))
}

func (h *AccountHandler) ConfirmPhone(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req auth.CodeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.ConfirmPhone(r.Context(), claims.UserID, req.Code); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "phone confirmed"})
}

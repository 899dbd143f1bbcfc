package handler

import (
	"context"
	"net/http"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/transport/http/middleware"
)

type sessionReader interface {
	Get(ctx context.Context, sessionTokenID string) (*domain.Session, error)
}

// SessionHandler handles session listing and logout.
type SessionHandler struct {
	svc      auth.Service
	sessions sessionReader
}

func NewSessionHandler(svc auth.Service, sessions sessionReader) *SessionHandler {
	return &SessionHandler{svc: svc, sessions: sessions}
}

func (h *SessionHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sess, err := h.sessions.Get(r.Context(), claims.SessionTokenID())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionEnvelope{Session: sess})
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.svc.ListSessions(r.Context(), claims.UserID)
	if err != nil {
		httpError(w, err)
		return
	}
	if list == nil {
		list = []domain.Session{}
	}
	writeJSON(w, http.StatusOK, SessionsEnvelope{Data: list, Count: len(list)})
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.svc.Logout(r.Context(), claims.SessionTokenID()); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "logged out"})
}

func (h *SessionHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	n, err := h.svc.LogoutAll(r.Context(), claims.UserID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionsEnvelope{Data: []domain.Session{}, Count: n})
}

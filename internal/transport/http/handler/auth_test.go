package handler

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestLogin_InvalidBody(t *testing.T) {
	h := NewAuthHandler(&mockAuthSvc{}, nil)
	rr := httptest.NewRecorder()
	h.Login(rr, jsonReq(t, http.MethodPost, "/v1/sessions/login", "not-json"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogin_ValidationFailure(t *testing.T) {
	h := NewAuthHandler(&mockAuthSvc{}, nil)
	rr := httptest.NewRecorder()
	h.Login(rr, jsonReq(t, http.MethodPost, "/v1/sessions/login", auth.LoginRequest{Username: "alice"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestLogin_BadCredentials(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("Login", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, domain.ErrUnauthorized)
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).Login(rr, jsonReq(t, http.MethodPost, "/v1/sessions/login",
		auth.LoginRequest{Username: "alice", Password: "wrong"}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogin_Success(t *testing.T) {
	exp := time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)
	svc := &mockAuthSvc{}
	svc.On("Login", mock.Anything, auth.LoginRequest{Username: "alice", Password: "pw"}, "192.0.2.1").
		Return(&auth.LoginResult{Bearer: "tok", ExpiresAt: exp, Session: &domain.Session{ID: "s1", UserID: "u1"}}, nil)

	r := jsonReq(t, http.MethodPost, "/v1/sessions/login", auth.LoginRequest{Username: "alice", Password: "pw"})
	r.RemoteAddr = "192.0.2.1:5555"
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).Login(rr, r)

	assert.Equal(t, http.StatusOK, rr.Code)
	var env AuthEnvelope
	decodeBody(t, rr, &env)
	assert.Equal(t, "tok", env.Bearer)
	require.NotNil(t, env.ExpiresAt)
	assert.True(t, exp.Equal(*env.ExpiresAt))
	assert.Equal(t, "s1", env.Session.ID)
	assert.Nil(t, env.Challenge)
	svc.AssertExpectations(t)
}

func TestLogin_Challenge(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("Login", mock.Anything, mock.Anything, mock.Anything).
		Return(&auth.LoginResult{Challenge: &auth.Challenge{UserID: "u1", Method: auth.MethodTOTP}}, nil)
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).Login(rr, jsonReq(t, http.MethodPost, "/v1/sessions/login",
		auth.LoginRequest{Username: "alice", Password: "pw"}))

	assert.Equal(t, http.StatusOK, rr.Code)
	var env AuthEnvelope
	decodeBody(t, rr, &env)
	assert.Empty(t, env.Bearer)
	assert.Nil(t, env.ExpiresAt)
	require.NotNil(t, env.Challenge)
	assert.Equal(t, auth.MethodTOTP, env.Challenge.Method)
}

func TestSecondFactor_RejectsMalformedCode(t *testing.T) {
	rr := httptest.NewRecorder()
	NewAuthHandler(&mockAuthSvc{}, nil).SecondFactor(rr, jsonReq(t, http.MethodPost, "/v1/sessions/second-factor",
		auth.SecondFactorRequest{UserID: "u1", Challenge: "c", Method: auth.MethodEmail, Code: "12ab56"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSecondFactor_RequiresChallenge(t *testing.T) {
	rr := httptest.NewRecorder()
	NewAuthHandler(&mockAuthSvc{}, nil).SecondFactor(rr, jsonReq(t, http.MethodPost, "/v1/sessions/second-factor",
		auth.SecondFactorRequest{UserID: "u1", Method: auth.MethodTOTP, Code: "123456"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRefresh_MissingToken(t *testing.T) {
	rr := httptest.NewRecorder()
	NewAuthHandler(&mockAuthSvc{}, nil).Refresh(rr, jsonReq(t, http.MethodPost, "/v1/sessions/refresh", auth.RefreshRequest{}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRefresh_Rejected(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("Refresh", mock.Anything, "t1.old").Return(nil, domain.ErrUnauthorized)
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).Refresh(rr, jsonReq(t, http.MethodPost, "/v1/sessions/refresh", auth.RefreshRequest{RefreshToken: "t1.old"}))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRefresh_Success(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("Refresh", mock.Anything, "t1.old").
		Return(&auth.LoginResult{Bearer: "tok2", RefreshToken: "t1.new", Session: &domain.Session{ID: "s1"}}, nil)
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).Refresh(rr, jsonReq(t, http.MethodPost, "/v1/sessions/refresh", auth.RefreshRequest{RefreshToken: "t1.old"}))

	assert.Equal(t, http.StatusOK, rr.Code)
	var env AuthEnvelope
	decodeBody(t, rr, &env)
	assert.Equal(t, "tok2", env.Bearer)
	assert.Equal(t, "t1.new", env.RefreshToken)
	svc.AssertExpectations(t)
}

func TestRequestLoginCode_SameAnswerForUnknownAddress(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("RequestLoginCode", mock.Anything, "alice@example.com").
		Return(&verification.Confirmation{Message: "A verification code was sent to al***@example.com"}, nil)
	svc.On("RequestLoginCode", mock.Anything, "nobody@example.com").
		Return(nil, domain.ErrUserNotFound)
	h := NewAuthHandler(svc, nil)

	known := httptest.NewRecorder()
	h.RequestLoginCode(known, jsonReq(t, http.MethodPost, "/v1/login-code/request", auth.EmailRequest{Email: "alice@example.com"}))
	unknown := httptest.NewRecorder()
	h.RequestLoginCode(unknown, jsonReq(t, http.MethodPost, "/v1/login-code/request", auth.EmailRequest{Email: "nobody@example.com"}))

	assert.Equal(t, http.StatusAccepted, known.Code)
	assert.Equal(t, http.StatusAccepted, unknown.Code)
	var a, b MessageEnvelope
	decodeBody(t, known, &a)
	decodeBody(t, unknown, &b)
	assert.Equal(t, "A verification code was sent to al***@example.com", a.Message)
	assert.Equal(t, "A verification code was sent to no***@example.com", b.Message)
	svc.AssertExpectations(t)
}

func TestRequestLoginCode_DeliveryFailure(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("RequestLoginCode", mock.Anything, mock.Anything).
		Return(nil, errors.Join(domain.ErrDeliveryFailed, errors.New("smtp: 421")))
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).RequestLoginCode(rr, jsonReq(t, http.MethodPost, "/v1/login-code/request",
		auth.EmailRequest{Email: "alice@example.com"}))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.NotContains(t, rr.Body.String(), "421")
}

func TestRequestPasswordReset_StorageFault(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("RequestPasswordReset", mock.Anything, mock.Anything).
		Return(nil, domain.StorageError("dynamo query", errors.New("throttled")))
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).RequestPasswordReset(rr, jsonReq(t, http.MethodPost, "/v1/password-recovery/request",
		auth.EmailRequest{Email: "alice@example.com"}))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestVerifyPasswordReset_ReturnsToken(t *testing.T) {
	svc := &mockAuthSvc{}
	req := auth.CodeLoginRequest{Email: "alice@example.com", Code: "042137"}
	svc.On("VerifyPasswordReset", mock.Anything, req, mock.Anything).Return("rt-1", nil)
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).VerifyPasswordReset(rr, jsonReq(t, http.MethodPost, "/v1/password-recovery/verify", req))

	assert.Equal(t, http.StatusOK, rr.Code)
	var env ResetEnvelope
	decodeBody(t, rr, &env)
	assert.Equal(t, "rt-1", env.ResetToken)
}

func TestChangePassword_Forbidden(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("ChangePassword", mock.Anything, mock.Anything).Return(domain.ErrForbidden)
	rr := httptest.NewRecorder()
	NewAuthHandler(svc, nil).ChangePassword(rr, jsonReq(t, http.MethodPost, "/v1/password-recovery/change-password",
		auth.ChangePasswordRequest{ResetToken: "rt", NewPassword: "long enough pw"}))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestChangePassword_TooShort(t *testing.T) {
	rr := httptest.NewRecorder()
	NewAuthHandler(&mockAuthSvc{}, nil).ChangePassword(rr, jsonReq(t, http.MethodPost, "/v1/password-recovery/change-password",
		auth.ChangePasswordRequest{ResetToken: "rt", NewPassword: "short"}))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

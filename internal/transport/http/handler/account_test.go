package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestAccount_MissingClaims(t *testing.T) {
	h := NewAccountHandler(&mockAuthSvc{})
	for name, fn := range map[string]http.HandlerFunc{
		"begin-totp":    h.BeginTOTP,
		"confirm-totp":  h.ConfirmTOTP,
		"email-2fa":     h.SetEmail2FA,
		"request-phone": h.RequestPhoneConfirmation,
		"confirm-phone": h.ConfirmPhone,
	} {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			fn(rr, jsonReq(t, http.MethodPost, "/", nil))
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
		})
	}
}

func TestBeginTOTP_ReturnsSecretInBand(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("BeginTOTPEnrollment", mock.Anything, "u1").Return(&verification.Confirmation{
		Purpose:         domain.PurposeTOTPSetup,
		ExpiresAt:       time.Date(2026, 5, 4, 10, 15, 0, 0, time.UTC),
		Secret:          "JBSWY3DPEHPK3PXP",
		ProvisioningURL: "otpauth://totp/authcore:alice?secret=JBSWY3DPEHPK3PXP",
	}, nil)
	rr := httptest.NewRecorder()
	NewAccountHandler(svc).BeginTOTP(rr, asUser(jsonReq(t, http.MethodPost, "/v1/mfa/totp", nil), "u1", "jti-1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	var env CodeEnvelope
	decodeBody(t, rr, &env)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", env.Secret)
	assert.Contains(t, env.ProvisioningURL, "otpauth://")
}

func TestConfirmTOTP_WrongCode(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("ConfirmTOTPEnrollment", mock.Anything, "u1", "123456").Return(domain.ErrUnauthorized)
	rr := httptest.NewRecorder()
	NewAccountHandler(svc).ConfirmTOTP(rr, asUser(jsonReq(t, http.MethodPost, "/v1/mfa/totp/confirm",
		auth.CodeRequest{Code: "123456"}), "u1", "jti-1"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	svc.AssertExpectations(t)
}

func TestSetEmail2FA_RequiresFlag(t *testing.T) {
	rr := httptest.NewRecorder()
	NewAccountHandler(&mockAuthSvc{}).SetEmail2FA(rr, asUser(jsonReq(t, http.MethodPut, "/v1/mfa/email", "{}"), "u1", "jti-1"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSetEmail2FA_Disable(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("SetEmail2FA", mock.Anything, "u1", false).Return(nil)
	rr := httptest.NewRecorder()
	NewAccountHandler(svc).SetEmail2FA(rr, asUser(jsonReq(t, http.MethodPut, "/v1/mfa/email", `{"enabled":false}`), "u1", "jti-1"))
	assert.Equal(t, http.StatusOK, rr.Code)
	svc.AssertExpectations(t)
}

func TestRequestPhoneConfirmation_NoPhone(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("RequestPhoneConfirmation", mock.Anything, "u2").Return(nil, domain.ErrBadRequest)
	rr := httptest.NewRecorder()
	NewAccountHandler(svc).RequestPhoneConfirmation(rr, asUser(jsonReq(t, http.MethodPost, "/v1/phone/request", nil), "u2", "jti-2"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRequestPhoneConfirmation_MaskedMessage(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("RequestPhoneConfirmation", mock.Anything, "u1").Return(&verification.Confirmation{
		MaskedDestination: "********0123",
		Message:           "A verification code was sent to ********0123",
	}, nil)
	rr := httptest.NewRecorder()
	NewAccountHandler(svc).RequestPhoneConfirmation(rr, asUser(jsonReq(t, http.MethodPost, "/v1/phone/request", nil), "u1", "jti-1"))

	assert.Equal(t, http.StatusAccepted, rr.Code)
	var env CodeEnvelope
	decodeBody(t, rr, &env)
	assert.Equal(t, "A verification code was sent to ********0123", env.Message)
	assert.Empty(t, env.Secret)
}

func TestConfirmPhone_Success(t *testing.T) {
	svc := &mockAuthSvc{}
	svc.On("ConfirmPhone", mock.Anything, "u1", "042137").Return(nil)
	rr := httptest.NewRecorder()
	NewAccountHandler(svc).ConfirmPhone(rr, asUser(jsonReq(t, http.MethodPost, "/v1/phone/confirm",
		auth.CodeRequest{Code: "042137"}), "u1", "jti-1"))
	assert.Equal(t, http.StatusOK, rr.Code)
	svc.AssertExpectations(t)
}

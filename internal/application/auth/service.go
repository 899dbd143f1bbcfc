package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-auth-nosql/internal/application/session"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/denylist"
	jwtinfra "github.com/go-auth-nosql/internal/infrastructure/jwt"
	"github.com/go-auth-nosql/internal/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Second factor methods.
const (
	MethodEmail = "EMAIL_2FA"
	MethodTOTP  = "TOTP"
)

var errInvalidCredentials = fmt.Errorf("invalid credentials: %w", domain.ErrUnauthorized)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SecondFactorRequest completes a login. Challenge is the token returned by
// the password step and is single use.
type SecondFactorRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Challenge string `json:"challenge_token" validate:"required"`
	Method    string `json:"method" validate:"required,oneof=EMAIL_2FA TOTP"`
	Code      string `json:"code" validate:"required,otpcode"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type EmailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type CodeLoginRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,otpcode"`
}

type ChangePasswordRequest struct {
	ResetToken  string `json:"reset_token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

type CodeRequest struct {
	Code string `json:"code" validate:"required,otpcode"`
}

// Challenge asks the caller for a second factor before a session is granted.
type Challenge struct {
	UserID       string                     `json:"user_id"`
	Token        string                     `json:"challenge_token"`
	ExpiresAt    time.Time                  `json:"expires_at"`
	Method       string                     `json:"method"`
	Confirmation *verification.Confirmation `json:"confirmation,omitempty"`
}

// LoginResult carries either a bearer token with its session or a challenge.
type LoginResult struct {
	Bearer       string          `json:"bearer,omitempty"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
	Session      *domain.Session `json:"session,omitempty"`
	Challenge    *Challenge      `json:"challenge,omitempty"`
}

type Service interface {
	Login(ctx context.Context, req LoginRequest, clientAddress string) (*LoginResult, error)
	VerifySecondFactor(ctx context.Context, req SecondFactorRequest, clientAddress string) (*LoginResult, error)
	RequestLoginCode(ctx context.Context, email string) (*verification.Confirmation, error)
	LoginWithCode(ctx context.Context, req CodeLoginRequest, clientAddress string) (*LoginResult, error)
	// Refresh trades a refresh token for a new bearer on the same session.
	Refresh(ctx context.Context, refreshToken string) (*LoginResult, error)

	RequestPasswordReset(ctx context.Context, email string) (*verification.Confirmation, error)
	// VerifyPasswordReset consumes a PASSWORD_RESET code and returns a reset
	// token bound to a new session.
	VerifyPasswordReset(ctx context.Context, req CodeLoginRequest, clientAddress string) (string, error)
	ChangePassword(ctx context.Context, req ChangePasswordRequest) error

	BeginTOTPEnrollment(ctx context.Context, userID string) (*verification.Confirmation, error)
	ConfirmTOTPEnrollment(ctx context.Context, userID, code string) error
	SetEmail2FA(ctx context.Context, userID string, enabled bool) error
	RequestPhoneConfirmation(ctx context.Context, userID string) (*verification.Confirmation, error)
	ConfirmPhone(ctx context.Context, userID, code string) error

	Logout(ctx context.Context, sessionTokenID string) error
	LogoutAll(ctx context.Context, userID string) (int, error)
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
}

type userStore interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Update(ctx context.Context, userID string, updates map[string]interface{}) error
}

type tokenIssuer interface {
	Issue(userID string) (*jwtinfra.Issued, error)
	Reissue(userID, sessionTokenID string) (*jwtinfra.Issued, error)
}

type otpValidator interface {
	Validate(code, secret string) bool
}

type weakPasswords interface {
	IsKnownWeak(passwordHash string) bool
}

type ServiceDeps struct {
	Users    userStore
	Codes    verification.Service
	Sessions session.Manager
	Tokens   tokenIssuer
	OTP      otpValidator
	Denylist weakPasswords
	Logger   *zap.Logger
}

type service struct {
	users    userStore
	codes    verification.Service
	sessions session.Manager
	tokens   tokenIssuer
	otp      otpValidator
	denylist weakPasswords
	log      *zap.Logger
}

func NewService(d ServiceDeps) Service {
	return &service{
		users:    d.Users,
		codes:    d.Codes,
		sessions: d.Sessions,
		tokens:   d.Tokens,
		otp:      d.OTP,
		denylist: d.Denylist,
		log:      logger.OrNop(d.Logger).Named("auth"),
	}
}

func (s *service) Login(ctx context.Context, req LoginRequest, clientAddress string) (*LoginResult, error) {
	u, err := s.users.GetByUsername(ctx, req.Username)
	if errors.Is(err, domain.ErrNotFound) {
		u, err = s.users.GetByEmail(ctx, req.Username)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errInvalidCredentials
	}
	if !u.Enable {
		return nil, fmt.Errorf("account disabled: %w", domain.ErrForbidden)
	}

	var method string
	switch {
	case u.TOTPEnabled:
		method = MethodTOTP
	case u.TwoFactorEmail:
		method = MethodEmail
	default:
		return s.startSession(ctx, u, clientAddress)
	}
	pending, err := s.codes.Issue(ctx, u.UserID, domain.PurposeLoginChallenge)
	if err != nil {
		return nil, err
	}
	ch := &Challenge{UserID: u.UserID, Token: pending.Secret, ExpiresAt: pending.ExpiresAt, Method: method}
	if method == MethodEmail {
		if ch.Confirmation, err = s.codes.Issue(ctx, u.UserID, domain.PurposeEmail2FA); err != nil {
			return nil, err
		}
	}
	return &LoginResult{Challenge: ch}, nil
}

// VerifySecondFactor spends the login challenge before looking at the code,
// so each password check buys one second factor attempt.
func (s *service) VerifySecondFactor(ctx context.Context, req SecondFactorRequest, clientAddress string) (*LoginResult, error) {
	if req.Method != MethodEmail && req.Method != MethodTOTP {
		return nil, fmt.Errorf("unknown second factor %q: %w", req.Method, domain.ErrBadRequest)
	}
	u, err := s.users.Get(ctx, req.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if req.Challenge == "" {
		return nil, fmt.Errorf("missing login challenge: %w", domain.ErrUnauthorized)
	}
	ok, err := s.codes.Verify(ctx, u.UserID, req.Challenge, domain.PurposeLoginChallenge)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("login challenge is not valid: %w", domain.ErrUnauthorized)
	}
	if !u.Enable {
		return nil, fmt.Errorf("account disabled: %w", domain.ErrForbidden)
	}

	switch req.Method {
	case MethodEmail:
		if ok, err = s.codes.Verify(ctx, u.UserID, req.Code, domain.PurposeEmail2FA); err != nil {
			return nil, err
		}
	case MethodTOTP:
		ok = u.TOTPEnabled && s.otp.Validate(req.Code, u.TOTPSecret)
	}
	if !ok {
		return nil, fmt.Errorf("invalid code: %w", domain.ErrUnauthorized)
	}
	return s.startSession(ctx, u, clientAddress)
}

func (s *service) RequestLoginCode(ctx context.Context, email string) (*verification.Confirmation, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !u.Enable {
		return nil, fmt.Errorf("login code for disabled account: %w", domain.ErrUserNotFound)
	}
	return s.codes.Issue(ctx, u.UserID, domain.PurposeLoginEmail)
}

func (s *service) LoginWithCode(ctx context.Context, req CodeLoginRequest, clientAddress string) (*LoginResult, error) {
	u, err := s.verifyByEmail(ctx, req, domain.PurposeLoginEmail)
	if err != nil {
		return nil, err
	}
	if !u.Enable {
		return nil, fmt.Errorf("account disabled: %w", domain.ErrForbidden)
	}
	return s.startSession(ctx, u, clientAddress)
}

func (s *service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	sess, next, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	u, err := s.users.Get(ctx, sess.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil || !u.Enable {
		if _, rerr := s.sessions.Revoke(ctx, sess.SessionTokenID); rerr != nil {
			s.log.Warn("revoke session of unavailable user", zap.String("session_id", sess.ID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("account unavailable: %w", domain.ErrForbidden)
	}
	issued, err := s.tokens.Reissue(sess.UserID, sess.SessionTokenID)
	if err != nil {
		return nil, err
	}
	s.log.Info("session refreshed", zap.String("user_id", sess.UserID), zap.String("session_id", sess.ID))
	return &LoginResult{Bearer: issued.Token, RefreshToken: next, ExpiresAt: issued.ExpiresAt, Session: sess}, nil
}

func (s *service) RequestPasswordReset(ctx context.Context, email string) (*verification.Confirmation, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return s.codes.Issue(ctx, u.UserID, domain.PurposePasswordReset)
}

func (s *service) VerifyPasswordReset(ctx context.Context, req CodeLoginRequest, clientAddress string) (string, error) {
	u, err := s.verifyByEmail(ctx, req, domain.PurposePasswordReset)
	if err != nil {
		return "", err
	}
	sess, rt, err := s.sessions.CreateReset(ctx, u.UserID, clientAddress)
	if err != nil {
		return "", err
	}
	s.log.Info("password reset handshake started", zap.String("user_id", u.UserID), zap.String("session_id", sess.ID))
	return rt, nil
}

func (s *service) ChangePassword(ctx context.Context, req ChangePasswordRequest) error {
	sess, err := s.sessions.GetByResetToken(ctx, req.ResetToken)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("reset token is not valid: %w", domain.ErrForbidden)
	}
	if err != nil {
		return err
	}
	if !sess.Active() {
		return fmt.Errorf("reset session is no longer active: %w", domain.ErrForbidden)
	}
	if s.denylist != nil && s.denylist.IsKnownWeak(denylist.Hash(req.NewPassword)) {
		return fmt.Errorf("password is too common: %w", domain.ErrBadRequest)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.users.Update(ctx, sess.UserID, map[string]interface{}{domain.FieldPasswordHash: string(hash)}); err != nil {
		return err
	}
	// Revoking clears the reset token along with every other session of the user.
	n, err := s.sessions.RevokeAllForUser(ctx, sess.UserID)
	if err != nil {
		s.log.Warn("revoke sessions after password change", zap.String("user_id", sess.UserID), zap.Error(err))
	}
	s.log.Info("password changed", zap.String("user_id", sess.UserID), zap.Int("sessions_revoked", n))
	return nil
}

func (s *service) BeginTOTPEnrollment(ctx context.Context, userID string) (*verification.Confirmation, error) {
	return s.codes.Issue(ctx, userID, domain.PurposeTOTPSetup)
}

func (s *service) ConfirmTOTPEnrollment(ctx context.Context, userID, code string) error {
	rec, err := s.codes.ConsumePending(ctx, userID, domain.PurposeTOTPSetup, func(secret string) bool {
		return s.otp.Validate(code, secret)
	})
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("invalid code: %w", domain.ErrUnauthorized)
	}
	return s.users.Update(ctx, userID, map[string]interface{}{
		domain.FieldTOTPSecret:  rec.Code,
		domain.FieldTOTPEnabled: true,
	})
}

func (s *service) SetEmail2FA(ctx context.Context, userID string, enabled bool) error {
	return s.users.Update(ctx, userID, map[string]interface{}{domain.FieldTwoFactorEmail: enabled})
}

func (s *service) RequestPhoneConfirmation(ctx context.Context, userID string) (*verification.Confirmation, error) {
	return s.codes.Issue(ctx, userID, domain.PurposePhoneConfirm)
}

func (s *service) ConfirmPhone(ctx context.Context, userID, code string) error {
	ok, err := s.codes.Verify(ctx, userID, code, domain.PurposePhoneConfirm)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("invalid code: %w", domain.ErrUnauthorized)
	}
	return s.users.Update(ctx, userID, map[string]interface{}{domain.FieldPhoneConfirmed: true})
}

func (s *service) Logout(ctx context.Context, sessionTokenID string) error {
	_, err := s.sessions.Revoke(ctx, sessionTokenID)
	return err
}

func (s *service) LogoutAll(ctx context.Context, userID string) (int, error) {
	return s.sessions.RevokeAllForUser(ctx, userID)
}

func (s *service) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	return s.sessions.ListActive(ctx, userID)
}

// verifyByEmail resolves the user and consumes the code. An unknown address
// and a wrong code are indistinguishable to the caller.
func (s *service) verifyByEmail(ctx context.Context, req CodeLoginRequest, purpose domain.Purpose) (*domain.User, error) {
	u, err := s.users.GetByEmail(ctx, req.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("invalid code: %w", domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.codes.Verify(ctx, u.UserID, req.Code, purpose)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("invalid code: %w", domain.ErrUnauthorized)
	}
	return u, nil
}

func (s *service) startSession(ctx context.Context, u *domain.User, clientAddress string) (*LoginResult, error) {
	issued, err := s.tokens.Issue(u.UserID)
	if err != nil {
		return nil, err
	}
	sess, refresh, err := s.sessions.Create(ctx, u.UserID, clientAddress, issued.SessionTokenID)
	if err != nil {
		return nil, err
	}
	s.log.Info("login", zap.String("user_id", u.UserID), zap.String("session_id", sess.ID))
	return &LoginResult{Bearer: issued.Token, RefreshToken: refresh, ExpiresAt: issued.ExpiresAt, Session: sess}, nil
}

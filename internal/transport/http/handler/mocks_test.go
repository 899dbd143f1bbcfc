package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/domain"
	jwtinfra "github.com/go-auth-nosql/internal/infrastructure/jwt"
	"github.com/go-auth-nosql/internal/transport/http/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockAuthSvc struct{ mock.Mock }

func (m *mockAuthSvc) result(args mock.Arguments) (*auth.LoginResult, error) {
	if r, _ := args.Get(0).(*auth.LoginResult); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAuthSvc) confirmation(args mock.Arguments) (*verification.Confirmation, error) {
	if c, _ := args.Get(0).(*verification.Confirmation); c != nil {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAuthSvc) Login(ctx context.Context, req auth.LoginRequest, addr string) (*auth.LoginResult, error) {
	return m.result(m.Called(ctx, req, addr))
}
func (m *mockAuthSvc) VerifySecondFactor(ctx context.Context, req auth.SecondFactorRequest, addr string) (*auth.LoginResult, error) {
	return m.result(m.Called(ctx, req, addr))
}
func (m *mockAuthSvc) Refresh(ctx context.Context, refreshToken string) (*auth.LoginResult, error) {
	return m.result(m.Called(ctx, refreshToken))
}
func (m *mockAuthSvc) RequestLoginCode(ctx context.Context, email string) (*verification.Confirmation, error) {
	return m.confirmation(m.Called(ctx, email))
}
func (m *mockAuthSvc) LoginWithCode(ctx context.Context, req auth.CodeLoginRequest, addr string) (*auth.LoginResult, error) {
	return m.result(m.Called(ctx, req, addr))
}
func (m *mockAuthSvc) RequestPasswordReset(ctx context.Context, email string) (*verification.Confirmation, error) {
	return m.confirmation(m.Called(ctx, email))
}
func (m *mockAuthSvc) VerifyPasswordReset(ctx context.Context, req auth.CodeLoginRequest, addr string) (string, error) {
	args := m.Called(ctx, req, addr)
	return args.String(0), args.Error(1)
}
func (m *mockAuthSvc) ChangePassword(ctx context.Context, req auth.ChangePasswordRequest) error {
	return m.Called(ctx, req).Error(0)
}
func (m *mockAuthSvc) BeginTOTPEnrollment(ctx context.Context, userID string) (*verification.Confirmation, error) {
	return m.confirmation(m.Called(ctx, userID))
}
func (m *mockAuthSvc) ConfirmTOTPEnrollment(ctx context.Context, userID, code string) error {
	return m.Called(ctx, userID, code).Error(0)
}
func (m *mockAuthSvc) SetEmail2FA(ctx context.Context, userID string, enabled bool) error {
	return m.Called(ctx, userID, enabled).Error(0)
}
func (m *mockAuthSvc) RequestPhoneConfirmation(ctx context.Context, userID string) (*verification.Confirmation, error) {
	return m.confirmation(m.Called(ctx, userID))
}
func (m *mockAuthSvc) ConfirmPhone(ctx context.Context, userID, code string) error {
	return m.Called(ctx, userID, code).Error(0)
}
func (m *mockAuthSvc) Logout(ctx context.Context, sessionTokenID string) error {
	return m.Called(ctx, sessionTokenID).Error(0)
}
func (m *mockAuthSvc) LogoutAll(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}
func (m *mockAuthSvc) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	args := m.Called(ctx, userID)
	list, _ := args.Get(0).([]domain.Session)
	return list, args.Error(1)
}

type mockUserSvc struct{ mock.Mock }

func (m *mockUserSvc) Register(ctx context.Context, req domain.CreateUserRequest) (*domain.User, error) {
	args := m.Called(ctx, req)
	if u, _ := args.Get(0).(*domain.User); u != nil {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserSvc) Get(ctx context.Context, userID string) (*domain.User, error) {
	args := m.Called(ctx, userID)
	if u, _ := args.Get(0).(*domain.User); u != nil {
		return u, args.Error(1)
	}
	return nil, args.Error(1)
}

// --- helpers ---

func jsonReq(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r
}

// asUser attaches claims the way the Auth middleware would.
func asUser(r *http.Request, userID, sessionTokenID string) *http.Request {
	claims := &jwtinfra.Claims{UserID: userID, RegisteredClaims: jwt.RegisteredClaims{ID: sessionTokenID}}
	return r.WithContext(middleware.WithClaims(r.Context(), claims))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

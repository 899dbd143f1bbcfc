package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/session"
	"github.com/go-auth-nosql/internal/application/user"
	"github.com/go-auth-nosql/internal/application/verification"
	"github.com/go-auth-nosql/internal/config"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/denylist"
	jwtinfra "github.com/go-auth-nosql/internal/infrastructure/jwt"
	"github.com/go-auth-nosql/internal/infrastructure/memory"
	"github.com/go-auth-nosql/internal/metrics"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

type capturedCodes struct {
	mu   sync.Mutex
	sent map[domain.Purpose]string
}

func (c *capturedCodes) SendCode(_ context.Context, _ domain.Destination, p domain.Purpose, code string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[p] = code
	return nil
}

func (c *capturedCodes) last(p domain.Purpose) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[p]
}

type app struct {
	t      *testing.T
	server *httptest.Server
	codes  *capturedCodes
}

func newApp(t *testing.T) *app {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	log := zaptest.NewLogger(t)
	clk := clock.Real{}

	users := memory.NewUserStore()
	codes := &capturedCodes{sent: map[domain.Purpose]string{}}
	tokens := jwtinfra.NewProviderFromKeys(key, &key.PublicKey, time.Hour, clk)
	sessions := session.NewManager(session.ManagerDeps{
		Store:      memory.NewSessionStore(),
		Clock:      clk,
		RefreshTTL: 24 * time.Hour,
		Logger:     log,
	})
	verifier := verification.NewService(verification.ServiceDeps{
		Store:    memory.NewVerificationStore(),
		Users:    users,
		Notifier: codes,
		Clock:    clk,
		Logger:   log,
	})
	weak := denylist.New()

	reg := prometheus.NewRegistry()
	metrics.RegisterMetrics(reg)

	router := NewRouter(&config.Config{RateLimitRPS: 1000, RateLimitBurst: 1000}, &Deps{
		Auth: auth.NewService(auth.ServiceDeps{
			Users: users, Codes: verifier, Sessions: sessions, Tokens: tokens, Denylist: weak, Logger: log,
		}),
		Users:    user.NewService(user.ServiceDeps{UserRepo: users, Denylist: weak, BcryptCost: bcrypt.MinCost}),
		Sessions: sessions,
		Tokens:   tokens,
		Gatherer: reg,
		Logger:   log,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Stop()
	})
	return &app{t: t, server: srv, codes: codes}
}

func (a *app) do(method, path, bearer string, body interface{}) (int, map[string]interface{}) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (a *app) register() {
	a.t.Helper()
	status, _ := a.do(http.MethodPost, "/v1/users", "", map[string]string{
		"username": "alice", "password": "correct horse battery", "email": "alice@example.com",
	})
	require.Equal(a.t, http.StatusCreated, status)
}

func (a *app) login(password string) string {
	a.t.Helper()
	bearer, _ := a.loginWithRefresh(password)
	return bearer
}

func (a *app) loginWithRefresh(password string) (string, string) {
	a.t.Helper()
	status, body := a.do(http.MethodPost, "/v1/sessions/login", "", map[string]string{
		"username": "alice", "password": password,
	})
	require.Equal(a.t, http.StatusOK, status)
	bearer, _ := body["Bearer"].(string)
	require.NotEmpty(a.t, bearer)
	refresh, _ := body["refresh_token"].(string)
	return bearer, refresh
}

func TestRouter_LoginAndLogout(t *testing.T) {
	a := newApp(t)
	a.register()
	bearer := a.login("correct horse battery")

	status, me := a.do(http.MethodGet, "/v1/users/me", bearer, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", me["username"])

	status, list := a.do(http.MethodGet, "/v1/sessions", bearer, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, list["count"])

	status, _ = a.do(http.MethodPost, "/v1/sessions/logout", bearer, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.do(http.MethodGet, "/v1/users/me", bearer, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "a revoked session rejects its still-unexpired bearer token")
}

func TestRouter_RefreshRotatesUntilLogout(t *testing.T) {
	a := newApp(t)
	a.register()
	_, refresh := a.loginWithRefresh("correct horse battery")
	require.NotEmpty(t, refresh)

	status, body := a.do(http.MethodPost, "/v1/sessions/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, status)
	bearer, _ := body["Bearer"].(string)
	next, _ := body["refresh_token"].(string)
	require.NotEmpty(t, bearer)
	require.NotEmpty(t, next)

	status, _ = a.do(http.MethodGet, "/v1/users/me", bearer, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = a.do(http.MethodPost, "/v1/sessions/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, status, "the previous refresh token was rotated out")

	status, _ = a.do(http.MethodPost, "/v1/sessions/logout", bearer, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = a.do(http.MethodPost, "/v1/sessions/refresh", "", map[string]string{"refresh_token": next})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRouter_SecondFactorNeedsLoginChallenge(t *testing.T) {
	a := newApp(t)
	a.register()
	bearer := a.login("correct horse battery")
	status, _ := a.do(http.MethodPut, "/v1/mfa/email", bearer, map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, status)

	status, body := a.do(http.MethodPost, "/v1/sessions/login", "", map[string]string{
		"username": "alice", "password": "correct horse battery",
	})
	require.Equal(t, http.StatusOK, status)
	ch, _ := body["challenge"].(map[string]interface{})
	require.NotNil(t, ch)
	userID, _ := ch["user_id"].(string)
	challenge, _ := ch["challenge_token"].(string)
	require.NotEmpty(t, challenge)
	code := a.codes.last(domain.PurposeEmail2FA)

	status, _ = a.do(http.MethodPost, "/v1/sessions/second-factor", "", map[string]string{
		"user_id": userID, "method": "EMAIL_2FA", "code": code,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = a.do(http.MethodPost, "/v1/sessions/second-factor", "", map[string]string{
		"user_id": userID, "challenge_token": "forged", "method": "EMAIL_2FA", "code": code,
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = a.do(http.MethodPost, "/v1/sessions/second-factor", "", map[string]string{
		"user_id": userID, "challenge_token": challenge, "method": "EMAIL_2FA", "code": code,
	})
	assert.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["Bearer"])
}

func TestRouter_PasswordResetRevokesEverySession(t *testing.T) {
	a := newApp(t)
	a.register()
	oldBearer := a.login("correct horse battery")

	status, _ := a.do(http.MethodPost, "/v1/password-recovery/request", "", map[string]string{"email": "alice@example.com"})
	require.Equal(t, http.StatusAccepted, status)
	code := a.codes.last(domain.PurposePasswordReset)
	require.Len(t, code, 6)

	status, body := a.do(http.MethodPost, "/v1/password-recovery/verify", "", map[string]string{
		"email": "alice@example.com", "code": code,
	})
	require.Equal(t, http.StatusOK, status)
	resetToken, _ := body["reset_token"].(string)
	require.NotEmpty(t, resetToken)

	// The code is single use.
	status, _ = a.do(http.MethodPost, "/v1/password-recovery/verify", "", map[string]string{
		"email": "alice@example.com", "code": code,
	})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = a.do(http.MethodPost, "/v1/password-recovery/change-password", "", map[string]string{
		"reset_token": resetToken, "new_password": "a brand new passphrase",
	})
	require.Equal(t, http.StatusOK, status)

	status, _ = a.do(http.MethodGet, "/v1/users/me", oldBearer, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// The reset token died with its session.
	status, _ = a.do(http.MethodPost, "/v1/password-recovery/change-password", "", map[string]string{
		"reset_token": resetToken, "new_password": "another new passphrase",
	})
	assert.Equal(t, http.StatusForbidden, status)

	a.login("a brand new passphrase")
}

func TestRouter_UnknownAddressLooksLikeKnown(t *testing.T) {
	a := newApp(t)
	a.register()

	known, kb := a.do(http.MethodPost, "/v1/login-code/request", "", map[string]string{"email": "alice@example.com"})
	unknown, ub := a.do(http.MethodPost, "/v1/login-code/request", "", map[string]string{"email": "nobody@example.com"})

	assert.Equal(t, known, unknown)
	assert.Equal(t, "A verification code was sent to al***@example.com", kb["message"])
	assert.Equal(t, "A verification code was sent to no***@example.com", ub["message"])
}

func TestRouter_Metrics(t *testing.T) {
	a := newApp(t)
	resp, err := a.server.Client().Get(a.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

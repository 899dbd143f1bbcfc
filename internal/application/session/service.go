// Package session is the session lifecycle manager. A session is ACTIVE from
// creation until it is revoked or expires for idleness; both end states are final.
package session

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/metrics"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/go-auth-nosql/internal/pkg/id"
	"github.com/go-auth-nosql/internal/pkg/logger"
	"github.com/go-auth-nosql/internal/pkg/token"
	"go.uber.org/zap"
)

type Manager interface {
	// Create starts an ACTIVE session and returns it with its refresh token,
	// which is empty when refresh is disabled.
	Create(ctx context.Context, userID, clientAddress, sessionTokenID string) (*domain.Session, string, error)
	// CreateReset starts the session of a password reset handshake and binds a
	// reset token to it. Such sessions do not count against the per-user cap
	// and cannot be refreshed.
	CreateReset(ctx context.Context, userID, clientAddress string) (*domain.Session, string, error)
	// Refresh rotates the refresh secret of an ACTIVE session and records
	// activity. Any failure to match reports ErrUnauthorized.
	Refresh(ctx context.Context, refreshToken string) (*domain.Session, string, error)
	// Touch records activity. Missing or terminal sessions are left alone.
	Touch(ctx context.Context, sessionTokenID string) error
	// Revoke ends an ACTIVE session now regardless of idle time. It reports
	// whether this call made the transition.
	Revoke(ctx context.Context, sessionTokenID string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
	// ExpireIdleSince moves every ACTIVE session idle since before cutoff to
	// EXPIRED. A failure on one session does not stop the others.
	ExpireIdleSince(ctx context.Context, cutoff time.Time) (int, error)
	IsValid(ctx context.Context, sessionTokenID string) (bool, error)
	Get(ctx context.Context, sessionTokenID string) (*domain.Session, error)
	ListActive(ctx context.Context, userID string) ([]domain.Session, error)
	CountActive(ctx context.Context, userID string) (int, error)
	GetByResetToken(ctx context.Context, resetToken string) (*domain.Session, error)
	ClearResetToken(ctx context.Context, sessionTokenID string) error
}

// Store persists sessions. Every bool-returning mutation is conditional on the
// current state and reports whether it applied.
type Store interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByToken(ctx context.Context, tokenID string) (*domain.Session, error)
	GetByResetToken(ctx context.Context, resetToken string) (*domain.Session, error)
	Touch(ctx context.Context, tokenID string, at time.Time) (bool, error)
	Transition(ctx context.Context, tokenID string, to domain.SessionState) (bool, error)
	ExpireIdle(ctx context.Context, tokenID string, cutoff time.Time) (bool, error)
	ListIdle(ctx context.Context, cutoff time.Time) ([]domain.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]domain.Session, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	SetResetToken(ctx context.Context, tokenID, resetToken string) (bool, error)
	ClearResetToken(ctx context.Context, tokenID string) error
	// RotateRefresh swaps currentHash for newHash on an ACTIVE session whose
	// refresh secret has not expired at at.
	RotateRefresh(ctx context.Context, tokenID, currentHash, newHash string, expiresAt, at time.Time) (bool, error)
}

type ManagerDeps struct {
	Store Store
	Clock clock.Clock
	// MaxActivePerUser caps concurrent ACTIVE sessions; 0 means no cap.
	MaxActivePerUser int
	// RefreshTTL is the lifetime of each refresh secret; 0 disables refresh.
	RefreshTTL time.Duration
	Logger     *zap.Logger
}

type manager struct {
	store      Store
	clock      clock.Clock
	maxActive  int
	refreshTTL time.Duration
	log        *zap.Logger
}

func NewManager(d ManagerDeps) Manager {
	m := &manager{
		store:      d.Store,
		clock:      d.Clock,
		maxActive:  d.MaxActivePerUser,
		refreshTTL: d.RefreshTTL,
		log:        logger.OrNop(d.Logger).Named("session"),
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	return m
}

func (m *manager) Create(ctx context.Context, userID, clientAddress, sessionTokenID string) (*domain.Session, string, error) {
	if userID == "" || sessionTokenID == "" {
		return nil, "", fmt.Errorf("user id and session token id are required: %w", domain.ErrBadRequest)
	}
	if m.maxActive > 0 {
		if err := m.enforceLimit(ctx, userID); err != nil {
			return nil, "", err
		}
	}
	sess := m.newSession(userID, clientAddress, sessionTokenID)
	var refresh string
	if m.refreshTTL > 0 {
		secret, err := token.New()
		if err != nil {
			return nil, "", err
		}
		sess.RefreshHash = hashSecret(secret)
		sess.RefreshExpiresAt = sess.CreatedAt.Add(m.refreshTTL)
		refresh = sessionTokenID + refreshSep + secret
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, "", err
	}
	m.log.Info("session created", zap.String("user_id", userID), zap.String("session_id", sess.ID))
	return sess, refresh, nil
}

func (m *manager) CreateReset(ctx context.Context, userID, clientAddress string) (*domain.Session, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("user id is required: %w", domain.ErrBadRequest)
	}
	tokenID, err := token.New()
	if err != nil {
		return nil, "", err
	}
	sess := m.newSession(userID, clientAddress, tokenID)
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, "", err
	}
	rt, err := m.bindResetToken(ctx, tokenID)
	if err != nil {
		return nil, "", err
	}
	sess.ResetToken = rt
	m.log.Info("reset session created", zap.String("user_id", userID), zap.String("session_id", sess.ID))
	return sess, rt, nil
}

func (m *manager) newSession(userID, clientAddress, sessionTokenID string) *domain.Session {
	// Stores keep millisecond precision.
	now := m.clock.Now().Truncate(time.Millisecond)
	return &domain.Session{
		ID:             id.NewAt(now),
		UserID:         userID,
		SessionTokenID: sessionTokenID,
		ClientAddress:  clientAddress,
		State:          domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// refreshSep splits a refresh token into the session token id and the secret.
const refreshSep = "."

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (m *manager) Refresh(ctx context.Context, refreshToken string) (*domain.Session, string, error) {
	deny := fmt.Errorf("invalid or expired refresh token: %w", domain.ErrUnauthorized)
	tokenID, secret, ok := strings.Cut(refreshToken, refreshSep)
	if !ok || tokenID == "" || secret == "" || m.refreshTTL <= 0 {
		return nil, "", deny
	}
	sess, err := m.store.GetByToken(ctx, tokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, "", deny
	}
	if err != nil {
		return nil, "", err
	}
	current := hashSecret(secret)
	if !sess.Active() || sess.RefreshHash == "" ||
		subtle.ConstantTimeCompare([]byte(current), []byte(sess.RefreshHash)) != 1 {
		return nil, "", deny
	}
	now := m.clock.Now().Truncate(time.Millisecond)
	if sess.RefreshExpiresAt.Before(now) {
		return nil, "", deny
	}
	next, err := token.New()
	if err != nil {
		return nil, "", err
	}
	expires := now.Add(m.refreshTTL)
	rotated, err := m.store.RotateRefresh(ctx, tokenID, current, hashSecret(next), expires, now)
	if err != nil {
		return nil, "", err
	}
	if !rotated {
		return nil, "", deny
	}
	if _, err := m.store.Touch(ctx, tokenID, now); err != nil {
		return nil, "", err
	}
	sess.RefreshHash = hashSecret(next)
	sess.RefreshExpiresAt = expires
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
	m.log.Debug("refresh secret rotated", zap.String("session_id", sess.ID))
	return sess, tokenID + refreshSep + next, nil
}

// enforceLimit revokes the least recently active sessions so that one more fits.
func (m *manager) enforceLimit(ctx context.Context, userID string) error {
	active, err := m.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) < m.maxActive {
		return nil
	}
	// active is ordered most recent first.
	var errs []error
	revoked := 0
	for _, s := range active[m.maxActive-1:] {
		ok, err := m.store.Transition(ctx, s.SessionTokenID, domain.SessionRevoked)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			revoked++
		}
	}
	metrics.RecordSessionTransition(string(domain.SessionRevoked), revoked)
	if revoked > 0 {
		m.log.Info("session limit reached; oldest sessions revoked",
			zap.String("user_id", userID), zap.Int("revoked", revoked), zap.Int("limit", m.maxActive))
	}
	return errors.Join(errs...)
}

func (m *manager) Touch(ctx context.Context, sessionTokenID string) error {
	_, err := m.store.Touch(ctx, sessionTokenID, m.clock.Now())
	return err
}

func (m *manager) Revoke(ctx context.Context, sessionTokenID string) (bool, error) {
	ok, err := m.store.Transition(ctx, sessionTokenID, domain.SessionRevoked)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.RecordSessionTransition(string(domain.SessionRevoked), 1)
	}
	return ok, nil
}

func (m *manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	active, err := m.store.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, s := range active {
		ok, err := m.store.Transition(ctx, s.SessionTokenID, domain.SessionRevoked)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	metrics.RecordSessionTransition(string(domain.SessionRevoked), n)
	m.log.Info("sessions revoked for user", zap.String("user_id", userID), zap.Int("revoked", n))
	return n, errors.Join(errs...)
}

func (m *manager) ExpireIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	idle, err := m.store.ListIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, s := range idle {
		ok, err := m.store.ExpireIdle(ctx, s.SessionTokenID, cutoff)
		if err != nil {
			m.log.Warn("expire idle session", zap.String("session_id", s.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	metrics.RecordSessionTransition(string(domain.SessionExpired), n)
	return n, errors.Join(errs...)
}

func (m *manager) IsValid(ctx context.Context, sessionTokenID string) (bool, error) {
	s, err := m.store.GetByToken(ctx, sessionTokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Active(), nil
}

func (m *manager) Get(ctx context.Context, sessionTokenID string) (*domain.Session, error) {
	return m.store.GetByToken(ctx, sessionTokenID)
}

func (m *manager) ListActive(ctx context.Context, userID string) ([]domain.Session, error) {
	return m.store.ListActiveByUser(ctx, userID)
}

func (m *manager) CountActive(ctx context.Context, userID string) (int, error) {
	return m.store.CountActiveByUser(ctx, userID)
}

func (m *manager) bindResetToken(ctx context.Context, sessionTokenID string) (string, error) {
	rt, err := token.NewResetToken()
	if err != nil {
		return "", err
	}
	ok, err := m.store.SetResetToken(ctx, sessionTokenID, rt)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("bind reset token: session not active: %w", domain.ErrForbidden)
	}
	return rt, nil
}

func (m *manager) GetByResetToken(ctx context.Context, resetToken string) (*domain.Session, error) {
	if resetToken == "" {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return m.store.GetByResetToken(ctx, resetToken)
}

func (m *manager) ClearResetToken(ctx context.Context, sessionTokenID string) error {
	return m.store.ClearResetToken(ctx, sessionTokenID)
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-auth-nosql/internal/domain"
)

// SessionStore keeps sessions keyed by session token id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.Session)}
}

func (s *SessionStore) Create(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionTokenID]; ok {
		return fmt.Errorf("session token already tracked: %w", domain.ErrConflict)
	}
	s.sessions[sess.SessionTokenID] = *sess
	return nil
}

func (s *SessionStore) GetByToken(_ context.Context, tokenID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenID]
	if !ok {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return &sess, nil
}

func (s *SessionStore) GetByResetToken(_ context.Context, resetToken string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resetToken != "" {
		for _, sess := range s.sessions {
			if sess.ResetToken == resetToken {
				return &sess, nil
			}
		}
	}
	return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
}

func (s *SessionStore) Touch(_ context.Context, tokenID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenID]
	if !ok || sess.State != domain.SessionActive || at.Before(sess.LastActivityAt) {
		return false, nil
	}
	sess.LastActivityAt = at
	s.sessions[tokenID] = sess
	return true, nil
}

func (s *SessionStore) Transition(_ context.Context, tokenID string, to domain.SessionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenID]
	if !ok || !domain.CanTransition(sess.State, to) {
		return false, nil
	}
	sess.State = to
	sess.ResetToken = ""
	sess.RefreshHash = ""
	s.sessions[tokenID] = sess
	return true, nil
}

func (s *SessionStore) ExpireIdle(_ context.Context, tokenID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenID]
	if !ok || sess.State != domain.SessionActive || !sess.LastActivityAt.Before(cutoff) {
		return false, nil
	}
	sess.State = domain.SessionExpired
	sess.ResetToken = ""
	sess.RefreshHash = ""
	s.sessions[tokenID] = sess
	return true, nil
}

func (s *SessionStore) ListIdle(_ context.Context, cutoff time.Time) ([]domain.Session, error) {
	return s.filter(func(sess domain.Session) bool {
		return sess.State == domain.SessionActive && sess.LastActivityAt.Before(cutoff)
	}), nil
}

func (s *SessionStore) ListActiveByUser(_ context.Context, userID string) ([]domain.Session, error) {
	return s.filter(func(sess domain.Session) bool {
		return sess.UserID == userID && sess.State == domain.SessionActive
	}), nil
}

func (s *SessionStore) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	active, err := s.ListActiveByUser(ctx, userID)
	return len(active), err
}

func (s *SessionStore) SetResetToken(_ context.Context, tokenID, resetToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenID]
	if !ok || sess.State != domain.SessionActive {
		return false, nil
	}
	sess.ResetToken = resetToken
	s.sessions[tokenID] = sess
	return true, nil
}

func (s *SessionStore) ClearResetToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[tokenID]; ok {
		sess.ResetToken = ""
		s.sessions[tokenID] = sess
	}
	return nil
}

func (s *SessionStore) RotateRefresh(_ context.Context, tokenID, currentHash, newHash string, expiresAt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenID]
	if !ok || sess.State != domain.SessionActive || sess.RefreshHash == "" ||
		sess.RefreshHash != currentHash || sess.RefreshExpiresAt.Before(at) {
		return false, nil
	}
	sess.RefreshHash = newHash
	sess.RefreshExpiresAt = expiresAt
	s.sessions[tokenID] = sess
	return true, nil
}

// filter returns matches ordered by last activity, most recent first.
func (s *SessionStore) filter(keep func(domain.Session) bool) []domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

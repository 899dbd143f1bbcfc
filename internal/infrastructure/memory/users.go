package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-auth-nosql/internal/domain"
)

// UserStore is an in-process user directory.
type UserStore struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func NewUserStore(seed ...domain.User) *UserStore {
	s := &UserStore{users: make(map[string]domain.User)}
	for _, u := range seed {
		s.users[u.UserID] = u
	}
	return s
}

func (s *UserStore) Put(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.UserID] = *u
	return nil
}

func (s *UserStore) Get(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (s *UserStore) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	return s.find(func(u domain.User) bool { return u.Email == email })
}

func (s *UserStore) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	return s.find(func(u domain.User) bool { return u.Username == username })
}

// Update applies a partial update keyed by the domain.Field* attribute names.
func (s *UserStore) Update(_ context.Context, userID string, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.ErrUserNotFound
	}
	for k, v := range updates {
		switch k {
		case domain.FieldPasswordHash:
			u.PasswordHash, _ = v.(string)
		case domain.FieldTOTPSecret:
			u.TOTPSecret, _ = v.(string)
		case domain.FieldTOTPEnabled:
			u.TOTPEnabled, _ = v.(bool)
		case domain.FieldEmailConfirmed:
			u.EmailConfirmed, _ = v.(bool)
		case domain.FieldPhoneConfirmed:
			u.PhoneConfirmed, _ = v.(bool)
		case domain.FieldTwoFactorEmail:
			u.TwoFactorEmail, _ = v.(bool)
		case domain.FieldEnable:
			u.Enable, _ = v.(bool)
		default:
			return fmt.Errorf("unknown user field %q: %w", k, domain.ErrBadRequest)
		}
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *UserStore) find(match func(domain.User) bool) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

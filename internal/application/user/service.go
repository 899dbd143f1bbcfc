package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/denylist"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/go-auth-nosql/internal/pkg/id"
	"golang.org/x/crypto/bcrypt"
)

type Service interface {
	Register(ctx context.Context, req domain.CreateUserRequest) (*domain.User, error)
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type userStore interface {
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	Put(ctx context.Context, u *domain.User) error
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type weakPasswords interface {
	IsKnownWeak(passwordHash string) bool
}

type service struct {
	repo     userStore
	denylist weakPasswords
	clock    clock.Clock
	cost     int
}

type ServiceDeps struct {
	UserRepo userStore
	Denylist weakPasswords
	Clock    clock.Clock
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		repo:     deps.UserRepo,
		denylist: deps.Denylist,
		clock:    deps.Clock,
		cost:     deps.BcryptCost,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s
}

func (s *service) Register(ctx context.Context, req domain.CreateUserRequest) (*domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.ensureFree(s.repo.GetByUsername(ctx, req.Username)); err != nil {
		return nil, fmt.Errorf("username: %w", err)
	}
	if err := s.ensureFree(s.repo.GetByEmail(ctx, email)); err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}
	if s.denylist != nil && s.denylist.IsKnownWeak(denylist.Hash(req.Password)) {
		return nil, fmt.Errorf("password is too common: %w", domain.ErrBadRequest)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	u := &domain.User{
		UserID:       id.NewAt(now),
		Username:     req.Username,
		Email:        email,
		Phone:        req.Phone,
		PasswordHash: string(hash),
		Enable:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Put(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *service) Get(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.Get(ctx, userID)
}

// ensureFree turns a lookup result into a conflict when the value is taken.
func (s *service) ensureFree(_ *domain.User, err error) error {
	switch {
	case err == nil:
		return fmt.Errorf("already registered: %w", domain.ErrConflict)
	case errors.Is(err, domain.ErrNotFound):
		return nil
	default:
		return err
	}
}

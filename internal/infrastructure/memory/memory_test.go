package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerificationStore(t *testing.T) {
	storetest.RunVerificationStore(t, func(*testing.T) storetest.VerificationStore {
		return NewVerificationStore()
	})
}

func TestSessionStore(t *testing.T) {
	storetest.RunSessionStore(t, func(*testing.T) storetest.SessionStore {
		return NewSessionStore()
	})
}

func TestUserStore_Update(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore(domain.User{UserID: "u1", Email: "a@b.com", Username: "alice"})

	require.NoError(t, s.Update(ctx, "u1", map[string]interface{}{
		domain.FieldTOTPSecret:  "SECRET",
		domain.FieldTOTPEnabled: true,
	}))
	u, err := s.GetByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	assert.True(t, u.TOTPEnabled)
	assert.Equal(t, "SECRET", u.TOTPSecret)

	err = s.Update(ctx, "u1", map[string]interface{}{"favorite_color": "red"})
	assert.True(t, errors.Is(err, domain.ErrBadRequest))

	err = s.Update(ctx, "nobody", map[string]interface{}{domain.FieldEnable: false})
	assert.True(t, errors.Is(err, domain.ErrUserNotFound))
}

func TestUserStore_Lookups(t *testing.T) {
	ctx := context.Background()
	s := NewUserStore()
	require.NoError(t, s.Put(ctx, &domain.User{UserID: "u1", Username: "alice", Email: "a@b.com"}))

	u, err := s.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UserID)

	_, err = s.Get(ctx, "u2")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

// Package storetest is a behavior suite shared by every verification and
// session store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/pkg/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the reference instant used by the suites. Millisecond precision
// matches what the persistent backends keep.
var Base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type VerificationStore interface {
	Insert(ctx context.Context, v *domain.VerificationRecord) error
	FindByCode(ctx context.Context, userID, code string, purpose domain.Purpose) (*domain.VerificationRecord, error)
	ListUnconsumed(ctx context.Context, userID string, purpose domain.Purpose) ([]domain.VerificationRecord, error)
	ListExpiredBefore(ctx context.Context, ts time.Time) ([]domain.VerificationRecord, error)
	Delete(ctx context.Context, v *domain.VerificationRecord) error
	DeleteExpiredBefore(ctx context.Context, ts time.Time) (int, error)
	Consume(ctx context.Context, v *domain.VerificationRecord, at time.Time) (bool, error)
	Invalidate(ctx context.Context, v *domain.VerificationRecord) (bool, error)
}

type SessionStore interface {
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
	RotateRefresh(ctx context.Context, tokenID, currentHash, newHash string, expiresAt, at time.Time) (bool, error)
}

// Record builds a verification record created at created and living for ttl.
func Record(userID, code string, purpose domain.Purpose, created time.Time, ttl time.Duration) *domain.VerificationRecord {
	return &domain.VerificationRecord{
		ID:        id.NewAt(created),
		UserID:    userID,
		Code:      code,
		Purpose:   purpose,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
	}
}

// NewSession builds an ACTIVE session last seen at at.
func NewSession(userID, tokenID string, at time.Time) *domain.Session {
	return &domain.Session{
		ID:             id.NewAt(at),
		UserID:         userID,
		SessionTokenID: tokenID,
		ClientAddress:  "203.0.113.7",
		State:          domain.SessionActive,
		CreatedAt:      at,
		LastActivityAt: at,
	}
}

// RunVerificationStore exercises the verification store contract. newStore
// must return an empty store on every call.
func RunVerificationStore(t *testing.T, newStore func(t *testing.T) VerificationStore) {
	ctx := context.Background()

	t.Run("InsertAndFindByCode", func(t *testing.T) {
		s := newStore(t)
		rec := Record("u1", "123456", domain.PurposeEmail2FA, Base, 10*time.Minute)
		require.NoError(t, s.Insert(ctx, rec))

		got, err := s.FindByCode(ctx, "u1", "123456", domain.PurposeEmail2FA)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, domain.PurposeEmail2FA, got.Purpose)
		assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
		assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))
		assert.False(t, got.Consumed)
	})

	t.Run("FindByCode_Misses", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute)))

		for _, q := range []struct {
			user, code string
			purpose    domain.Purpose
		}{
			{"u1", "654321", domain.PurposeEmail2FA},
			{"u2", "123456", domain.PurposeEmail2FA},
			{"u1", "123456", domain.PurposeLoginEmail},
		} {
			_, err := s.FindByCode(ctx, q.user, q.code, q.purpose)
			assert.True(t, errors.Is(err, domain.ErrNotFound), "%+v: %v", q, err)
		}
	})

	t.Run("FindByCode_PrefersNewest", func(t *testing.T) {
		s := newStore(t)
		old := Record("u1", "111111", domain.PurposeEmail2FA, Base, time.Minute)
		old.Consumed = true
		fresh := Record("u1", "111111", domain.PurposeEmail2FA, Base.Add(time.Minute), time.Minute)
		require.NoError(t, s.Insert(ctx, old))
		require.NoError(t, s.Insert(ctx, fresh))

		got, err := s.FindByCode(ctx, "u1", "111111", domain.PurposeEmail2FA)
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, got.ID)
	})

	t.Run("Insert_DuplicateID", func(t *testing.T) {
		s := newStore(t)
		rec := Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute)
		require.NoError(t, s.Insert(ctx, rec))
		err := s.Insert(ctx, rec)
		assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
	})

	t.Run("ListUnconsumed", func(t *testing.T) {
		s := newStore(t)
		a := Record("u1", "000001", domain.PurposeEmail2FA, Base, time.Minute)
		b := Record("u1", "000002", domain.PurposeEmail2FA, Base.Add(time.Second), time.Minute)
		consumed := Record("u1", "000003", domain.PurposeEmail2FA, Base.Add(2*time.Second), time.Minute)
		consumed.Consumed = true
		other := Record("u1", "000004", domain.PurposeLoginEmail, Base, time.Minute)
		otherUser := Record("u2", "000005", domain.PurposeEmail2FA, Base, time.Minute)
		for _, r := range []*domain.VerificationRecord{a, b, consumed, other, otherUser} {
			require.NoError(t, s.Insert(ctx, r))
		}

		got, err := s.ListUnconsumed(ctx, "u1", domain.PurposeEmail2FA)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, b.ID, got[0].ID)
		assert.Equal(t, a.ID, got[1].ID)

		none, err := s.ListUnconsumed(ctx, "nobody", domain.PurposeEmail2FA)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Consume_SingleUse", func(t *testing.T) {
		s := newStore(t)
		rec := Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute)
		require.NoError(t, s.Insert(ctx, rec))

		ok, err := s.Consume(ctx, rec, Base)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Consume(ctx, rec, Base)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.FindByCode(ctx, "u1", "123456", domain.PurposeEmail2FA)
		require.NoError(t, err)
		assert.True(t, got.Consumed)
	})

	t.Run("Consume_ExpiryBoundary", func(t *testing.T) {
		s := newStore(t)
		atDeadline := Record("u1", "111111", domain.PurposeEmail2FA, Base, time.Minute)
		pastDeadline := Record("u2", "222222", domain.PurposeEmail2FA, Base, time.Minute)
		require.NoError(t, s.Insert(ctx, atDeadline))
		require.NoError(t, s.Insert(ctx, pastDeadline))

		ok, err := s.Consume(ctx, atDeadline, atDeadline.ExpiresAt)
		require.NoError(t, err)
		assert.True(t, ok, "equality with expiresAt is still valid")

		ok, err = s.Consume(ctx, pastDeadline, pastDeadline.ExpiresAt.Add(time.Millisecond))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Consume_UnknownID", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.Consume(ctx, Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute), Base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Consume_ConcurrentExactlyOne", func(t *testing.T) {
		s := newStore(t)
		rec := Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute)
		require.NoError(t, s.Insert(ctx, rec))

		const n = 32
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Consume(ctx, rec, Base)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("Invalidate", func(t *testing.T) {
		s := newStore(t)
		rec := Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute)
		require.NoError(t, s.Insert(ctx, rec))

		ok, err := s.Invalidate(ctx, rec)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Invalidate(ctx, rec)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Consume(ctx, rec, Base)
		require.NoError(t, err)
		assert.False(t, ok)

		remaining, err := s.ListUnconsumed(ctx, "u1", domain.PurposeEmail2FA)
		require.NoError(t, err)
		assert.Empty(t, remaining)
	})

	t.Run("ListExpiredBefore_Strict", func(t *testing.T) {
		s := newStore(t)
		expired := Record("u1", "111111", domain.PurposeEmail2FA, Base, time.Minute)
		boundary := Record("u2", "222222", domain.PurposeEmail2FA, Base.Add(time.Minute), time.Minute)
		live := Record("u3", "333333", domain.PurposeEmail2FA, Base.Add(time.Minute), time.Hour)
		for _, r := range []*domain.VerificationRecord{expired, boundary, live} {
			require.NoError(t, s.Insert(ctx, r))
		}

		got, err := s.ListExpiredBefore(ctx, Base.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, expired.ID, got[0].ID)
	})

	t.Run("DeleteExpiredBefore_ConsumedAndUnconsumed", func(t *testing.T) {
		s := newStore(t)
		a := Record("u1", "111111", domain.PurposeEmail2FA, Base, time.Minute)
		b := Record("u1", "222222", domain.PurposeLoginEmail, Base, time.Minute)
		b.Consumed = true
		live := Record("u1", "333333", domain.PurposePasswordReset, Base, time.Hour)
		for _, r := range []*domain.VerificationRecord{a, b, live} {
			require.NoError(t, s.Insert(ctx, r))
		}

		n, err := s.DeleteExpiredBefore(ctx, Base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.FindByCode(ctx, "u1", "111111", domain.PurposeEmail2FA)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		_, err = s.FindByCode(ctx, "u1", "333333", domain.PurposePasswordReset)
		assert.NoError(t, err)

		n, err = s.DeleteExpiredBefore(ctx, Base.Add(5*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Delete_Idempotent", func(t *testing.T) {
		s := newStore(t)
		rec := Record("u1", "123456", domain.PurposeEmail2FA, Base, time.Minute)
		require.NoError(t, s.Insert(ctx, rec))
		require.NoError(t, s.Delete(ctx, rec))
		require.NoError(t, s.Delete(ctx, rec))

		left, err := s.ListUnconsumed(ctx, "u1", domain.PurposeEmail2FA)
		require.NoError(t, err)
		assert.Empty(t, left)
	})
}

// RunSessionStore exercises the session store contract.
func RunSessionStore(t *testing.T, newStore func(t *testing.T) SessionStore) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		sess := NewSession("u1", "t1", Base)
		require.NoError(t, s.Create(ctx, sess))

		got, err := s.GetByToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "203.0.113.7", got.ClientAddress)
		assert.Equal(t, domain.SessionActive, got.State)
		assert.True(t, got.CreatedAt.Equal(Base))
		assert.True(t, got.LastActivityAt.Equal(Base))
		assert.Empty(t, got.ResetToken)
	})

	t.Run("Create_DuplicateToken", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))
		err := s.Create(ctx, NewSession("u2", "t1", Base))
		assert.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)
	})

	t.Run("GetByToken_NotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetByToken(ctx, "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("Touch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))

		ok, err := s.Touch(ctx, "t1", Base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Touch(ctx, "t1", Base)
		require.NoError(t, err)
		assert.False(t, ok, "last activity never moves backwards")

		got, err := s.GetByToken(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(Base.Add(time.Minute)))

		ok, err = s.Touch(ctx, "missing", Base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Transition_OneDirectional", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))

		ok, err := s.Transition(ctx, "t1", domain.SessionRevoked)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Transition(ctx, "t1", domain.SessionRevoked)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Transition(ctx, "t1", domain.SessionExpired)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Transition(ctx, "t1", domain.SessionActive)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Touch(ctx, "t1", Base.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetByToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionRevoked, got.State)
	})

	t.Run("IdleExpiry", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "idle", Base)))
		require.NoError(t, s.Create(ctx, NewSession("u1", "boundary", Base.Add(10*time.Minute))))
		require.NoError(t, s.Create(ctx, NewSession("u1", "fresh", Base.Add(20*time.Minute))))
		require.NoError(t, s.Create(ctx, NewSession("u1", "revoked", Base)))
		_, err := s.Transition(ctx, "revoked", domain.SessionRevoked)
		require.NoError(t, err)

		cutoff := Base.Add(10 * time.Minute)
		idle, err := s.ListIdle(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, idle, 1)
		assert.Equal(t, "idle", idle[0].SessionTokenID)

		ok, err := s.ExpireIdle(ctx, "idle", cutoff)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.ExpireIdle(ctx, "boundary", cutoff)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.ExpireIdle(ctx, "revoked", cutoff)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetByToken(ctx, "idle")
		require.NoError(t, err)
		assert.Equal(t, domain.SessionExpired, got.State)

		idle, err = s.ListIdle(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, idle)
	})

	t.Run("ExpireIdle_TouchedSinceListing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))
		_, err := s.Touch(ctx, "t1", Base.Add(time.Hour))
		require.NoError(t, err)

		ok, err := s.ExpireIdle(ctx, "t1", Base.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ActiveByUser", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "a", Base)))
		require.NoError(t, s.Create(ctx, NewSession("u1", "b", Base.Add(time.Minute))))
		require.NoError(t, s.Create(ctx, NewSession("u1", "c", Base)))
		require.NoError(t, s.Create(ctx, NewSession("u2", "d", Base)))
		_, err := s.Transition(ctx, "c", domain.SessionRevoked)
		require.NoError(t, err)

		active, err := s.ListActiveByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "b", active[0].SessionTokenID)
		assert.Equal(t, "a", active[1].SessionTokenID)

		n, err := s.CountActiveByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.CountActiveByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ResetToken", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))

		ok, err := s.SetResetToken(ctx, "t1", "reset-abc")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetByResetToken(ctx, "reset-abc")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.SessionTokenID)
		assert.Equal(t, "reset-abc", got.ResetToken)

		require.NoError(t, s.ClearResetToken(ctx, "t1"))
		_, err = s.GetByResetToken(ctx, "reset-abc")
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		_, err = s.GetByResetToken(ctx, "")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("ResetToken_DroppedOnTermination", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))
		_, err := s.SetResetToken(ctx, "t1", "reset-abc")
		require.NoError(t, err)

		_, err = s.Transition(ctx, "t1", domain.SessionRevoked)
		require.NoError(t, err)
		_, err = s.GetByResetToken(ctx, "reset-abc")
		assert.True(t, errors.Is(err, domain.ErrNotFound))

		ok, err := s.SetResetToken(ctx, "t1", "reset-def")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ResetToken_Replaced", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))
		_, err := s.SetResetToken(ctx, "t1", "reset-abc")
		require.NoError(t, err)

		ok, err := s.SetResetToken(ctx, "t1", "reset-def")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = s.GetByResetToken(ctx, "reset-abc")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		got, err := s.GetByResetToken(ctx, "reset-def")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.SessionTokenID)
	})

	t.Run("RotateRefresh", func(t *testing.T) {
		s := newStore(t)
		sess := NewSession("u1", "t1", Base)
		sess.RefreshHash = "hash-1"
		sess.RefreshExpiresAt = Base.Add(time.Hour)
		require.NoError(t, s.Create(ctx, sess))

		got, err := s.GetByToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "hash-1", got.RefreshHash)
		assert.True(t, got.RefreshExpiresAt.Equal(Base.Add(time.Hour)))

		ok, err := s.RotateRefresh(ctx, "t1", "hash-1", "hash-2", Base.Add(2*time.Hour), Base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.RotateRefresh(ctx, "t1", "hash-1", "hash-3", Base.Add(2*time.Hour), Base.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok, "a rotated secret cannot be replayed")

		got, err = s.GetByToken(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "hash-2", got.RefreshHash)
		assert.True(t, got.RefreshExpiresAt.Equal(Base.Add(2*time.Hour)))

		ok, err = s.RotateRefresh(ctx, "missing", "hash-2", "hash-3", Base.Add(2*time.Hour), Base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RotateRefresh_Expired", func(t *testing.T) {
		s := newStore(t)
		sess := NewSession("u1", "t1", Base)
		sess.RefreshHash = "hash-1"
		sess.RefreshExpiresAt = Base.Add(time.Hour)
		require.NoError(t, s.Create(ctx, sess))

		ok, err := s.RotateRefresh(ctx, "t1", "hash-1", "hash-2", Base.Add(3*time.Hour), Base.Add(time.Hour+time.Millisecond))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RotateRefresh_NoSecret", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewSession("u1", "t1", Base)))

		ok, err := s.RotateRefresh(ctx, "t1", "", "hash-2", Base.Add(time.Hour), Base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RotateRefresh_KilledByTermination", func(t *testing.T) {
		for _, end := range []func(s SessionStore) (bool, error){
			func(s SessionStore) (bool, error) { return s.Transition(ctx, "t1", domain.SessionRevoked) },
			func(s SessionStore) (bool, error) { return s.ExpireIdle(ctx, "t1", Base.Add(time.Minute)) },
		} {
			s := newStore(t)
			sess := NewSession("u1", "t1", Base)
			sess.RefreshHash = "hash-1"
			sess.RefreshExpiresAt = Base.Add(time.Hour)
			require.NoError(t, s.Create(ctx, sess))

			ok, err := end(s)
			require.NoError(t, err)
			require.True(t, ok)

			got, err := s.GetByToken(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, got.RefreshHash)

			ok, err = s.RotateRefresh(ctx, "t1", "hash-1", "hash-2", Base.Add(2*time.Hour), Base.Add(time.Minute))
			require.NoError(t, err)
			assert.False(t, ok)
		}
	})
}

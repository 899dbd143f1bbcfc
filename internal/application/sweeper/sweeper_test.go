package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-auth-nosql/internal/application/session"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/memory"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type stubPurger struct {
	mu    sync.Mutex
	calls []time.Time
	n     int
	err   error
}

func (p *stubPurger) DeleteExpiredBefore(_ context.Context, ts time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ts)
	return p.n, p.err
}

func (p *stubPurger) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type stubExpirer struct {
	cutoff time.Time
	n      int
	err    error
}

func (e *stubExpirer) ExpireIdleSince(_ context.Context, cutoff time.Time) (int, error) {
	e.cutoff = cutoff
	return e.n, e.err
}

func TestSweepOnce_IdleSessionScenario(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	sessions := session.NewManager(session.ManagerDeps{Store: memory.NewSessionStore(), Clock: clk})
	sw := New(Config{IdleTimeout: 30 * time.Minute}, memory.NewVerificationStore(), sessions, clk, zaptest.NewLogger(t))

	_, _, err := sessions.Create(ctx, "u1", "10.0.0.1", "t1")
	require.NoError(t, err)

	clk.Advance(31 * time.Minute)
	rep := sw.SweepOnce(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.SessionsExpired)

	ok, err := sessions.IsValid(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepOnce_DeletesExpiredRecordsOnly(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(t0)
	records := memory.NewVerificationStore()
	put := func(id string, ttl time.Duration, consumed bool) {
		require.NoError(t, records.Insert(ctx, &domain.VerificationRecord{
			ID: id, UserID: "u1", Code: "123456", Purpose: domain.PurposeEmail2FA,
			CreatedAt: t0, ExpiresAt: t0.Add(ttl), Consumed: consumed,
		}))
	}
	put("expired", time.Minute, false)
	put("expired-consumed", time.Minute, true)
	put("at-deadline", 5*time.Minute, false)
	put("live", time.Hour, false)

	sw := New(Config{}, records, &stubExpirer{}, clk, nil)
	clk.Advance(5 * time.Minute)
	rep := sw.SweepOnce(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, 2, rep.RecordsDeleted)

	_, err := records.Get(ctx, "at-deadline")
	assert.NoError(t, err, "a record is kept while now <= expiresAt")
	_, err = records.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = records.Get(ctx, "expired-consumed")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rep = sw.SweepOnce(ctx)
	require.NoError(t, rep.Err)
	assert.Zero(t, rep.RecordsDeleted, "idempotent")
}

func TestSweepOnce_CutoffAndErrors(t *testing.T) {
	clk := clock.NewFake(t0)
	purgeErr := errors.New("records down")
	expireErr := errors.New("sessions down")
	purger := &stubPurger{n: 3, err: purgeErr}
	expirer := &stubExpirer{n: 2, err: expireErr}
	sw := New(Config{IdleTimeout: 10 * time.Minute}, purger, expirer, clk, zaptest.NewLogger(t))

	rep := sw.SweepOnce(context.Background())

	assert.Equal(t, []time.Time{t0}, purger.calls)
	assert.Equal(t, t0.Add(-10*time.Minute), expirer.cutoff, "sessions still swept after a record failure")
	assert.Equal(t, 3, rep.RecordsDeleted)
	assert.Equal(t, 2, rep.SessionsExpired)
	assert.ErrorIs(t, rep.Err, purgeErr)
	assert.ErrorIs(t, rep.Err, expireErr)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	purger := &stubPurger{}
	sw := New(Config{Interval: 5 * time.Millisecond}, purger, &stubExpirer{}, clock.NewFake(t0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return purger.count() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_Defaults(t *testing.T) {
	sw := New(Config{}, &stubPurger{}, &stubExpirer{}, nil, nil)
	assert.Equal(t, DefaultInterval, sw.cfg.Interval)
	assert.Equal(t, DefaultIdleTimeout, sw.cfg.IdleTimeout)
	assert.NotNil(t, sw.clock)
}

// Package sweeper runs the periodic expiry pass: it deletes verification
// records past their deadline and expires idle sessions.
package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-auth-nosql/internal/metrics"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/go-auth-nosql/internal/pkg/logger"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultIdleTimeout = 30 * time.Minute
)

type recordPurger interface {
	DeleteExpiredBefore(ctx context.Context, ts time.Time) (int, error)
}

type sessionExpirer interface {
	ExpireIdleSince(ctx context.Context, cutoff time.Time) (int, error)
}

type Config struct {
	Interval    time.Duration
	IdleTimeout time.Duration
}

// Report summarises one pass. Err joins every failure of the pass.
type Report struct {
	At              time.Time
	RecordsDeleted  int
	SessionsExpired int
	Took            time.Duration
	Err             error
}

type Sweeper struct {
	cfg      Config
	records  recordPurger
	sessions sessionExpirer
	clock    clock.Clock
	log      *zap.Logger

	// mu keeps passes from overlapping within one process.
	mu sync.Mutex
}

func New(cfg Config, records recordPurger, sessions sessionExpirer, clk clock.Clock, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sweeper{
		cfg:      cfg,
		records:  records,
		sessions: sessions,
		clock:    clk,
		log:      logger.OrNop(log).Named("sweeper"),
	}
}

// SweepOnce runs a single pass. Both steps are attempted even if the first fails.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.clock.Now()
	rep := Report{At: now}
	var errs []error

	deleted, err := s.records.DeleteExpiredBefore(ctx, now)
	rep.RecordsDeleted = deleted
	if err != nil {
		s.log.Error("delete expired verification records", zap.Error(err))
		errs = append(errs, err)
	}

	expired, err := s.sessions.ExpireIdleSince(ctx, now.Add(-s.cfg.IdleTimeout))
	rep.SessionsExpired = expired
	if err != nil {
		s.log.Error("expire idle sessions", zap.Error(err))
		errs = append(errs, err)
	}

	rep.Err = errors.Join(errs...)
	rep.Took = time.Since(start)
	metrics.RecordSweep(rep.RecordsDeleted, rep.SessionsExpired, rep.Err != nil, rep.Took)

	if rep.RecordsDeleted > 0 || rep.SessionsExpired > 0 {
		s.log.Info("sweep finished",
			zap.Int("records_deleted", rep.RecordsDeleted),
			zap.Int("sessions_expired", rep.SessionsExpired),
			zap.Duration("took", rep.Took))
	}
	return rep
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval), zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

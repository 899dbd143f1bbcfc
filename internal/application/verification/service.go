// Package verification issues, invalidates and checks short-lived secrets.
// For any (user, purpose) at most one record is unconsumed once an issuance
// returns; older records are soft-invalidated, never deleted.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/metrics"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/go-auth-nosql/internal/pkg/id"
	"github.com/go-auth-nosql/internal/pkg/logger"
	"github.com/go-auth-nosql/internal/pkg/mask"
	"github.com/go-auth-nosql/internal/pkg/otpcode"
	"github.com/go-auth-nosql/internal/pkg/token"
	"go.uber.org/zap"
)

// DefaultTTL applies to purposes without a configured lifetime.
const DefaultTTL = 10 * time.Minute

const defaultNotifyTimeout = 10 * time.Second

// Confirmation describes an issued code without revealing it. Secret and
// ProvisioningURL are set only for in-band purposes (TOTP_SETUP).
type Confirmation struct {
	RecordID          string         `json:"id"`
	Purpose           domain.Purpose `json:"purpose"`
	MaskedDestination string         `json:"masked_destination,omitempty"`
	ExpiresAt         time.Time      `json:"expires_at"`
	Message           string         `json:"message"`
	Secret            string         `json:"secret,omitempty"`
	ProvisioningURL   string         `json:"provisioning_url,omitempty"`
}

type Service interface {
	// Issue creates a code with the purpose's configured lifetime.
	Issue(ctx context.Context, userID string, purpose domain.Purpose) (*Confirmation, error)
	IssueWithTTL(ctx context.Context, userID string, purpose domain.Purpose, ttl time.Duration) (*Confirmation, error)
	// Verify consumes the matching record if it is still valid. A missing,
	// consumed or expired code is false, not an error.
	Verify(ctx context.Context, userID, code string, purpose domain.Purpose) (bool, error)
	// ConsumePending consumes the newest valid record for the pair when match
	// accepts its secret. It returns nil, nil when nothing was consumed.
	ConsumePending(ctx context.Context, userID string, purpose domain.Purpose, match func(secret string) bool) (*domain.VerificationRecord, error)
}

// RecordStore persists verification records. Consume and Invalidate are
// compare-and-set on the stored record: false means another caller got there
// first. Reads of a (user, purpose) pair must observe every write that
// returned before them.
type RecordStore interface {
	Insert(ctx context.Context, v *domain.VerificationRecord) error
	FindByCode(ctx context.Context, userID, code string, purpose domain.Purpose) (*domain.VerificationRecord, error)
	ListUnconsumed(ctx context.Context, userID string, purpose domain.Purpose) ([]domain.VerificationRecord, error)
	Consume(ctx context.Context, v *domain.VerificationRecord, at time.Time) (bool, error)
	Invalidate(ctx context.Context, v *domain.VerificationRecord) (bool, error)
}

type userDirectory interface {
	Get(ctx context.Context, userID string) (*domain.User, error)
}

type notifier interface {
	SendCode(ctx context.Context, dest domain.Destination, purpose domain.Purpose, code string, ttl time.Duration) error
}

type secretProvider interface {
	GenerateSecret(accountName string) (secret, url string, err error)
}

type codeGenerator interface {
	Code() (string, error)
}

type tokenGenerator func() (string, error)

type ServiceDeps struct {
	Store    RecordStore
	Users    userDirectory
	Notifier notifier
	// Secrets generates TOTP_SETUP secrets.
	Secrets secretProvider
	Codes   codeGenerator
	// Tokens generates opaque LOGIN_CHALLENGE secrets.
	Tokens        tokenGenerator
	Clock         clock.Clock
	TTLs          map[domain.Purpose]time.Duration
	NotifyTimeout time.Duration
	Logger        *zap.Logger
}

type service struct {
	store         RecordStore
	users         userDirectory
	notifier      notifier
	secrets       secretProvider
	codes         codeGenerator
	tokens        tokenGenerator
	clock         clock.Clock
	ttls          map[domain.Purpose]time.Duration
	notifyTimeout time.Duration
	log           *zap.Logger
}

func NewService(d ServiceDeps) Service {
	s := &service{
		store:         d.Store,
		users:         d.Users,
		notifier:      d.Notifier,
		secrets:       d.Secrets,
		codes:         d.Codes,
		tokens:        d.Tokens,
		clock:         d.Clock,
		ttls:          d.TTLs,
		notifyTimeout: d.NotifyTimeout,
		log:           logger.OrNop(d.Logger).Named("verification"),
	}
	if s.codes == nil {
		s.codes = otpcode.NewGenerator(nil)
	}
	if s.tokens == nil {
		s.tokens = token.New
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = defaultNotifyTimeout
	}
	return s
}

func (s *service) Issue(ctx context.Context, userID string, purpose domain.Purpose) (*Confirmation, error) {
	ttl, ok := s.ttls[purpose]
	if !ok || ttl <= 0 {
		ttl = DefaultTTL
	}
	return s.IssueWithTTL(ctx, userID, purpose, ttl)
}

func (s *service) IssueWithTTL(ctx context.Context, userID string, purpose domain.Purpose, ttl time.Duration) (*Confirmation, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("unknown purpose %q: %w", purpose, domain.ErrBadRequest)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive: %w", domain.ErrBadRequest)
	}

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.RecordIssue(string(purpose), metrics.OutcomeUserNotFound)
			return nil, fmt.Errorf("issue %s: %w", purpose, domain.ErrUserNotFound)
		}
		metrics.RecordIssue(string(purpose), metrics.OutcomeError)
		return nil, err
	}

	var dest domain.Destination
	if !purpose.InBand() {
		var ok bool
		if dest, ok = u.Destination(purpose.Channel()); !ok {
			return nil, fmt.Errorf("user has no %s destination: %w", purpose.Channel(), domain.ErrBadRequest)
		}
	}

	// Prior codes must be dead before the new one is visible.
	if _, err := s.invalidatePending(ctx, userID, purpose, ""); err != nil {
		metrics.RecordIssue(string(purpose), metrics.OutcomeError)
		return nil, err
	}

	conf := &Confirmation{Purpose: purpose}
	var secret string
	switch purpose.Secret() {
	case domain.SecretTOTP:
		secret, conf.ProvisioningURL, err = s.secrets.GenerateSecret(accountName(u))
	case domain.SecretOpaque:
		secret, err = s.tokens()
	default:
		secret, err = s.codes.Code()
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s secret: %w", purpose, err)
	}

	// Persistent stores keep milliseconds; the deadline handed back must be
	// the one they compare against.
	now := s.clock.Now().Truncate(time.Millisecond)
	rec := &domain.VerificationRecord{
		ID:        id.NewAt(now),
		UserID:    userID,
		Code:      secret,
		Purpose:   purpose,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		metrics.RecordIssue(string(purpose), metrics.OutcomeError)
		return nil, err
	}
	conf.RecordID = rec.ID
	conf.ExpiresAt = rec.ExpiresAt

	superseded, err := s.reconcile(ctx, rec)
	if err != nil {
		metrics.RecordIssue(string(purpose), metrics.OutcomeError)
		return nil, err
	}

	log := s.log.With(zap.String("user_id", userID), zap.String("purpose", string(purpose)), zap.String("record_id", rec.ID))

	if purpose.InBand() {
		conf.Secret = secret
		conf.Message = inBandMessage(purpose)
		metrics.RecordIssue(string(purpose), metrics.OutcomeIssued)
		log.Info("secret issued in band")
		return conf, nil
	}

	conf.MaskedDestination = mask.Destination(dest)
	conf.Message = SentTo(conf.MaskedDestination)
	if superseded {
		// A concurrent issuance won; its code is the one being delivered.
		log.Info("issuance superseded by a concurrent request; delivery skipped")
		metrics.RecordIssue(string(purpose), metrics.OutcomeIssued)
		return conf, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.SendCode(sendCtx, dest, purpose, secret, ttl); err != nil {
		metrics.RecordIssue(string(purpose), metrics.OutcomeDeliveryFailed)
		log.Warn("code delivery failed", zap.String("destination", conf.MaskedDestination), zap.Error(err))
		if !errors.Is(err, domain.ErrDeliveryFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
		}
		return nil, err
	}

	metrics.RecordIssue(string(purpose), metrics.OutcomeIssued)
	log.Info("code issued", zap.String("destination", conf.MaskedDestination), zap.Time("expires_at", rec.ExpiresAt))
	return conf, nil
}

// invalidatePending soft-invalidates every unconsumed record of the pair except keepID.
func (s *service) invalidatePending(ctx context.Context, userID string, purpose domain.Purpose, keepID string) (int, error) {
	pending, err := s.store.ListUnconsumed(ctx, userID, purpose)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range pending {
		if r.ID == keepID {
			continue
		}
		ok, err := s.store.Invalidate(ctx, &r)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	metrics.RecordInvalidated(string(purpose), n)
	return n, nil
}

// reconcile keeps only the newest unconsumed record of rec's pair. Two
// issuances racing past invalidatePending converge on the later one. It
// reports whether rec lost.
func (s *service) reconcile(ctx context.Context, rec *domain.VerificationRecord) (bool, error) {
	pending, err := s.store.ListUnconsumed(ctx, rec.UserID, rec.Purpose)
	if err != nil {
		return false, err
	}
	if len(pending) <= 1 {
		return false, nil
	}
	newest := &pending[0]
	for i := range pending[1:] {
		if pending[i+1].Newer(newest) {
			newest = &pending[i+1]
		}
	}
	for i := range pending {
		if pending[i].ID == newest.ID {
			continue
		}
		if _, err := s.store.Invalidate(ctx, &pending[i]); err != nil {
			return false, err
		}
	}
	metrics.RecordInvalidated(string(rec.Purpose), len(pending)-1)
	return newest.ID != rec.ID, nil
}

func (s *service) Verify(ctx context.Context, userID, code string, purpose domain.Purpose) (bool, error) {
	if code == "" || !purpose.Valid() {
		return false, nil
	}
	rec, err := s.store.FindByCode(ctx, userID, code, purpose)
	if errors.Is(err, domain.ErrNotFound) {
		metrics.RecordVerification(string(purpose), false)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	now := s.clock.Now()
	if !rec.ValidAt(now) {
		metrics.RecordVerification(string(purpose), false)
		return false, nil
	}
	ok, err := s.store.Consume(ctx, rec, now)
	if err != nil {
		return false, err
	}
	metrics.RecordVerification(string(purpose), ok)
	if ok {
		s.log.Info("code accepted",
			zap.String("user_id", userID), zap.String("purpose", string(purpose)), zap.String("record_id", rec.ID))
	}
	return ok, nil
}

func (s *service) ConsumePending(ctx context.Context, userID string, purpose domain.Purpose, match func(secret string) bool) (*domain.VerificationRecord, error) {
	pending, err := s.store.ListUnconsumed(ctx, userID, purpose)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	for i := range pending {
		rec := &pending[i]
		if !rec.ValidAt(now) || !match(rec.Code) {
			continue
		}
		ok, err := s.store.Consume(ctx, rec, now)
		if err != nil {
			return nil, err
		}
		metrics.RecordVerification(string(purpose), ok)
		if !ok {
			return nil, nil
		}
		rec.Consumed = true
		return rec, nil
	}
	metrics.RecordVerification(string(purpose), false)
	return nil, nil
}

func accountName(u *domain.User) string {
	if u.Email != "" {
		return u.Email
	}
	return u.Username
}

func inBandMessage(p domain.Purpose) string {
	if p == domain.PurposeLoginChallenge {
		return "Complete the challenge with a second factor."
	}
	return "Scan the provisioning URL with an authenticator app, then confirm with a generated code."
}

// SentTo is the user-facing confirmation for a code sent to a masked address.
func SentTo(masked string) string {
	return "A verification code was sent to " + masked
}

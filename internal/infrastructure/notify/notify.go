// Package notify delivers verification codes over the channel of the
// destination: email through SMTP, SMS through SNS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/infrastructure/smtp"
	"github.com/go-auth-nosql/internal/infrastructure/sns"
	"github.com/go-auth-nosql/internal/pkg/mask"
	"go.uber.org/zap"
)

// Sender hands a plaintext code to an external delivery channel.
type Sender interface {
	SendCode(ctx context.Context, dest domain.Destination, purpose domain.Purpose, code string, ttl time.Duration) error
}

// Router dispatches by destination channel. A nil channel sender makes that
// channel fail with ErrDeliveryFailed.
type Router struct {
	mailer smtp.Mailer
	sms    sns.SMSSender
	log    *zap.Logger
}

func NewRouter(mailer smtp.Mailer, sms sns.SMSSender, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{mailer: mailer, sms: sms, log: log}
}

func (r *Router) SendCode(ctx context.Context, dest domain.Destination, purpose domain.Purpose, code string, ttl time.Duration) error {
	subject, body := Render(purpose, code, ttl)
	var err error
	switch dest.Channel {
	case domain.ChannelEmail:
		if r.mailer == nil {
			err = errors.New("email channel not configured")
			break
		}
		// gomail has no context support; the context bounds how long we wait.
		err = withContext(ctx, func() error { return r.mailer.SendEmail(dest.Address, subject, body) })
	case domain.ChannelSMS:
		if r.sms == nil {
			err = errors.New("sms channel not configured")
			break
		}
		err = r.sms.SendSMS(ctx, dest.Address, body)
	default:
		err = fmt.Errorf("unknown channel %q", dest.Channel)
	}
	if err != nil {
		r.log.Warn("code delivery failed",
			zap.String("purpose", string(purpose)),
			zap.String("destination", mask.Destination(dest)),
			zap.Error(err))
		return fmt.Errorf("send %s code via %s: %w: %w", purpose, dest.Channel, domain.ErrDeliveryFailed, err)
	}
	return nil
}

func withContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSender records deliveries in the log instead of sending them. It backs
// local development when no SMTP host is configured.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{log: log}
}

// SendCode logs the delivery without the code itself.
func (s *LogSender) SendCode(_ context.Context, dest domain.Destination, purpose domain.Purpose, _ string, ttl time.Duration) error {
	s.log.Info("code delivery skipped",
		zap.String("purpose", string(purpose)),
		zap.String("destination", mask.Destination(dest)),
		zap.Int("ttl_minutes", ttlMinutes(ttl)))
	return nil
}

// Render builds the subject and body for a code.
func Render(purpose domain.Purpose, code string, ttl time.Duration) (subject, body string) {
	minutes := ttlMinutes(ttl)
	switch purpose {
	case domain.PurposeLoginEmail:
		subject = "Your sign-in code"
		body = fmt.Sprintf("Use %s to sign in. The code expires in %d minutes.", code, minutes)
	case domain.PurposePasswordReset:
		subject = "Password reset code"
		body = fmt.Sprintf("Use %s to reset your password. The code expires in %d minutes. If you did not ask for a reset, ignore this message.", code, minutes)
	case domain.PurposePhoneConfirm:
		subject = "Phone confirmation"
		body = fmt.Sprintf("Your confirmation code is %s. It expires in %d minutes.", code, minutes)
	default:
		subject = "Your verification code"
		body = fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)
	}
	return subject, body
}

func ttlMinutes(ttl time.Duration) int {
	return int(math.Ceil(ttl.Minutes()))
}

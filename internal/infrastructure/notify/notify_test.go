package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type mockMailer struct {
	mock.Mock
	block chan struct{}
}

func (m *mockMailer) SendEmail(to, subject, body string) error {
	if m.block != nil {
		<-m.block
	}
	return m.Called(to, subject, body).Error(0)
}

type mockSMSSender struct{ mock.Mock }

func (m *mockSMSSender) SendSMS(ctx context.Context, phone, msg string) error {
	return m.Called(ctx, phone, msg).Error(0)
}

var (
	email = domain.Destination{Channel: domain.ChannelEmail, Address: "alice@example.com"}
	phone = domain.Destination{Channel: domain.ChannelSMS, Address: "+15551234567"}
)

func TestRouter_Email(t *testing.T) {
	ml := &mockMailer{}
	ml.On("SendEmail", "alice@example.com", "Your verification code",
		"Your verification code is 042137. It expires in 10 minutes.").Return(nil)

	r := NewRouter(ml, nil, zaptest.NewLogger(t))
	require.NoError(t, r.SendCode(context.Background(), email, domain.PurposeEmail2FA, "042137", 10*time.Minute))
	ml.AssertExpectations(t)
}

func TestRouter_SMS(t *testing.T) {
	sms := &mockSMSSender{}
	sms.On("SendSMS", mock.Anything, "+15551234567",
		"Your confirmation code is 123456. It expires in 10 minutes.").Return(nil)

	r := NewRouter(nil, sms, nil)
	require.NoError(t, r.SendCode(context.Background(), phone, domain.PurposePhoneConfirm, "123456", 10*time.Minute))
	sms.AssertExpectations(t)
}

func TestRouter_FailureIsDeliveryFailed(t *testing.T) {
	cause := errors.New("smtp down")
	ml := &mockMailer{}
	ml.On("SendEmail", mock.Anything, mock.Anything, mock.Anything).Return(cause)

	err := NewRouter(ml, nil, nil).SendCode(context.Background(), email, domain.PurposeLoginEmail, "111111", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrDeliveryFailed))
	assert.True(t, errors.Is(err, cause))
	assert.NotContains(t, err.Error(), "111111")
}

func TestRouter_UnconfiguredChannel(t *testing.T) {
	err := NewRouter(nil, nil, nil).SendCode(context.Background(), phone, domain.PurposePhoneConfirm, "1", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrDeliveryFailed))
}

func TestRouter_EmailHonoursContextDeadline(t *testing.T) {
	ml := &mockMailer{block: make(chan struct{})}
	ml.On("SendEmail", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	defer close(ml.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewRouter(ml, nil, nil).SendCode(ctx, email, domain.PurposeEmail2FA, "1", time.Minute)
	assert.True(t, errors.Is(err, domain.ErrDeliveryFailed))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRender(t *testing.T) {
	subject, body := Render(domain.PurposePasswordReset, "123456", 90*time.Second)
	assert.Equal(t, "Password reset code", subject)
	assert.Contains(t, body, "123456")
	assert.Contains(t, body, "2 minutes")
}

func TestLogSender_NeverFails(t *testing.T) {
	s := NewLogSender(zaptest.NewLogger(t))
	assert.NoError(t, s.SendCode(context.Background(), email, domain.PurposeEmail2FA, "1", time.Minute))
}

func TestLogSender_OmitsCode(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewLogSender(zap.New(core))
	require.NoError(t, s.SendCode(context.Background(), email, domain.PurposePasswordReset, "918273", 10*time.Minute))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.NotContains(t, entry.Message, "918273")
	for k, v := range entry.ContextMap() {
		assert.NotContains(t, fmt.Sprint(v), "918273", k)
	}
}

package smtp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.sent = append(d.sent, m...)
	return d.err
}

func TestSendEmail_BuildsMessage(t *testing.T) {
	d := &fakeDialer{}
	m := &mailer{dialer: d, from: "noreply@example.com"}

	require.NoError(t, m.SendEmail("alice@example.com", "Your code", "Your code is 123456"))
	require.Len(t, d.sent, 1)

	assert.Equal(t, []string{"noreply@example.com"}, d.sent[0].GetHeader("From"))
	assert.Equal(t, []string{"alice@example.com"}, d.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Your code"}, d.sent[0].GetHeader("Subject"))

	var buf bytes.Buffer
	_, err := d.sent[0].WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Your code is 123456")
}

func TestSendEmail_WrapsDialError(t *testing.T) {
	cause := errors.New("connection refused")
	m := &mailer{dialer: &fakeDialer{err: cause}, from: "noreply@example.com"}

	err := m.SendEmail("alice@example.com", "s", "b")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "send email")
}

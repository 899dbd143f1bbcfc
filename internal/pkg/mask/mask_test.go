package mask

import (
	"testing"
	"unicode/utf8"

	"github.com/go-auth-nosql/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "al***@example.com",
		"abc@x.io":          "ab***@x.io",
		"ab@x.io":           "**@x.io",
		"a@x.io":            "**@x.io",
		"@x.io":             "**@x.io",
		"not-an-email":      "***",
		"élodie@x.io":       "él***@x.io",
		"日本語@x.jp":          "日本***@x.jp",
		"éa@x.io":           "**@x.io",
	}
	for in := range cases {
		assert.True(t, utf8.ValidString(Email(in)), in)
	}
	for in, want := range cases {
		assert.Equal(t, want, Email(in), in)
	}
}

func TestPhone(t *testing.T) {
	assert.Equal(t, "********4567", Phone("+15551234567"))
	assert.Equal(t, "***", Phone("123"))
}

func TestDestination(t *testing.T) {
	assert.Equal(t, "al***@b.com", Destination(domain.Destination{Channel: domain.ChannelEmail, Address: "alice@b.com"}))
	assert.Equal(t, "*****6789", Destination(domain.Destination{Channel: domain.ChannelSMS, Address: "123456789"}))
}

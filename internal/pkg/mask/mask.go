// Package mask renders destinations for user-facing confirmation text.
package mask

import (
	"strings"

	"github.com/go-auth-nosql/internal/domain"
)

// Email keeps the first two characters (runes) of the local part: "ab***@domain",
// or "**@domain" when the local part has two characters or fewer.
func Email(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return "***"
	}
	local, host := []rune(addr[:at]), addr[at+1:]
	if len(local) <= 2 {
		return "**@" + host
	}
	return string(local[:2]) + "***@" + host
}

// Phone keeps the last four digits.
func Phone(num string) string {
	if len(num) <= 4 {
		return strings.Repeat("*", len(num))
	}
	return strings.Repeat("*", len(num)-4) + num[len(num)-4:]
}

// Destination masks according to the channel.
func Destination(d domain.Destination) string {
	if d.Channel == domain.ChannelSMS {
		return Phone(d.Address)
	}
	return Email(d.Address)
}

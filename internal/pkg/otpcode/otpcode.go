// Package otpcode draws fixed-width numeric codes from a secure random source.
package otpcode

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// Length is the number of digits in an email/SMS code.
const Length = 6

var ten = big.NewInt(10)

// Generator draws each digit independently and uniformly in [0,9].
// The zero value reads from crypto/rand.
type Generator struct {
	src io.Reader
}

// NewGenerator returns a Generator reading from src. A nil src means crypto/rand.Reader.
func NewGenerator(src io.Reader) *Generator {
	return &Generator{src: src}
}

func (g *Generator) reader() io.Reader {
	if g == nil || g.src == nil {
		return rand.Reader
	}
	return g.src
}

// Digits returns n digits with leading zeros preserved.
func (g *Generator) Digits(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", n)
	}
	src := g.reader()
	b := make([]byte, n)
	for i := range b {
		d, err := rand.Int(src, ten)
		if err != nil {
			return "", fmt.Errorf("draw digit: %w", err)
		}
		b[i] = byte('0' + d.Int64())
	}
	return string(b), nil
}

// Code returns a Length-digit code.
func (g *Generator) Code() (string, error) {
	return g.Digits(Length)
}

// IsCode reports whether s is exactly Length ASCII digits.
func IsCode(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

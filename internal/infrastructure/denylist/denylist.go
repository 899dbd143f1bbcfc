// Package denylist is the credential denylist: a set of SHA-256 hashes of
// passwords known to be weak.
package denylist

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// common seeds every list so an empty deployment still rejects the worst offenders.
var common = []string{
	"123456", "123456789", "12345678", "password", "qwerty123", "qwerty",
	"11111111", "password1", "1234567890", "iloveyou", "admin123",
	"letmein", "welcome1", "abc12345", "football", "monkey123",
	"passw0rd", "changeme", "00000000", "sunshine",
}

// Opener streams a named object, e.g. an S3 key.
type Opener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

type Denylist struct {
	hashes map[string]struct{}
}

// New returns a list holding the built-in common passwords plus extra.
func New(extra ...string) *Denylist {
	d := &Denylist{hashes: make(map[string]struct{}, len(common)+len(extra))}
	for _, pw := range common {
		d.add(pw)
	}
	for _, pw := range extra {
		d.add(pw)
	}
	return d
}

// Hash is the digest the list is keyed by.
func Hash(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// IsKnownWeak reports whether passwordHash (see Hash) is listed.
func (d *Denylist) IsKnownWeak(passwordHash string) bool {
	_, ok := d.hashes[strings.ToLower(passwordHash)]
	return ok
}

func (d *Denylist) Len() int { return len(d.hashes) }

// Read adds one entry per line. Lines starting with "sha256:" carry a hex
// digest; anything else is a plaintext password. Blank lines and "#" comments are skipped.
func (d *Denylist) Read(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if digest, ok := strings.CutPrefix(line, "sha256:"); ok {
			d.hashes[strings.ToLower(digest)] = struct{}{}
			continue
		}
		d.add(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read denylist: %w", err)
	}
	return nil
}

func (d *Denylist) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open denylist: %w", err)
	}
	defer f.Close()
	return d.Read(f)
}

func (d *Denylist) LoadObject(ctx context.Context, o Opener, key string) error {
	rc, err := o.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open denylist object: %w", err)
	}
	defer rc.Close()
	return d.Read(rc)
}

func (d *Denylist) add(password string) {
	d.hashes[Hash(password)] = struct{}{}
}

package jwtinfra

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-auth-nosql/internal/config"
	"github.com/go-auth-nosql/internal/domain"
	"github.com/go-auth-nosql/internal/pkg/clock"
	"github.com/go-auth-nosql/internal/pkg/token"
	"github.com/golang-jwt/jwt/v5"
)

// Claims holds the JWT payload fields. RegisteredClaims.ID (jti) is the
// session token id tracked by the session manager.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// SessionTokenID returns the jti claim.
func (c *Claims) SessionTokenID() string { return c.ID }

// Issued is a freshly signed bearer token.
type Issued struct {
	Token          string
	SessionTokenID string
	ExpiresAt      time.Time
}

// Provider signs and verifies RS256 JWTs.
type Provider struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	expiry     time.Duration
	clock      clock.Clock
}

func NewProvider(cfg *config.Config) (*Provider, error) {
	privBytes, err := os.ReadFile(cfg.JWTPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	privKey, err := jwt.ParseRSAPrivateKeyFromPEM(privBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pubKey, err := jwt.ParseRSAPublicKeyFromPEM(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return NewProviderFromKeys(privKey, pubKey, cfg.JWTExpiry, clock.Real{}), nil
}

func NewProviderFromKeys(priv *rsa.PrivateKey, pub *rsa.PublicKey, expiry time.Duration, c clock.Clock) *Provider {
	if c == nil {
		c = clock.Real{}
	}
	return &Provider{privateKey: priv, publicKey: pub, expiry: expiry, clock: c}
}

// Issue signs a token for userID under a new random session token id.
func (p *Provider) Issue(userID string) (*Issued, error) {
	jti, err := token.New()
	if err != nil {
		return nil, err
	}
	return p.Reissue(userID, jti)
}

// Reissue signs a fresh token for an existing session token id.
func (p *Provider) Reissue(userID, jti string) (*Issued, error) {
	if jti == "" {
		return nil, fmt.Errorf("session token id is required: %w", domain.ErrBadRequest)
	}
	now := p.clock.Now()
	exp := now.Add(p.expiry)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Issued{Token: signed, SessionTokenID: jti, ExpiresAt: exp}, nil
}

// Verify parses tokenStr. Every failure wraps domain.ErrUnauthorized.
func (p *Provider) Verify(tokenStr string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.publicKey, nil
	}, jwt.WithTimeFunc(p.clock.Now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w: %w", domain.ErrUnauthorized, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.ID == "" {
		return nil, fmt.Errorf("invalid token claims: %w", domain.ErrUnauthorized)
	}
	return claims, nil
}

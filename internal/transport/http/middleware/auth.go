package middleware

import (
	"context"
	"net/http"
	"strings"

	jwtinfra "github.com/go-auth-nosql/internal/infrastructure/jwt"
	"go.uber.org/zap"
)

type contextKey string

const ClaimsKey contextKey = "claims"

type tokenVerifier interface {
	Verify(tokenStr string) (*jwtinfra.Claims, error)
}

type sessionChecker interface {
	IsValid(ctx context.Context, sessionTokenID string) (bool, error)
	Touch(ctx context.Context, sessionTokenID string) error
}

// Auth validates the Bearer JWT, requires its session to be ACTIVE, records
// the activity and injects the claims into the context.
func Auth(tokens tokenVerifier, sessions sessionChecker, log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			ok, err := sessions.IsValid(r.Context(), claims.SessionTokenID())
			if err != nil {
				log.Error("session lookup failed", zap.Error(err))
				writeJSONError(w, http.StatusServiceUnavailable, "session store unavailable")
				return
			}
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "session is no longer active")
				return
			}
			if err := sessions.Touch(r.Context(), claims.SessionTokenID()); err != nil {
				log.Warn("session touch failed", zap.String("user_id", claims.UserID), zap.Error(err))
			}
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts JWT claims from the request context.
func ClaimsFromContext(ctx context.Context) (*jwtinfra.Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*jwtinfra.Claims)
	return c, ok
}

// WithClaims returns ctx carrying claims, as Auth would.
func WithClaims(ctx context.Context, c *jwtinfra.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, c)
}

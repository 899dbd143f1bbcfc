package http

import (
	"github.com/go-auth-nosql/internal/application/auth"
	"github.com/go-auth-nosql/internal/application/session"
	"github.com/go-auth-nosql/internal/application/user"
	jwtinfra "github.com/go-auth-nosql/internal/infrastructure/jwt"
	"github.com/go-auth-nosql/internal/transport/http/handler"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Deps holds the services the router serves.
type Deps struct {
	Auth     auth.Service
	Users    user.Service
	Sessions session.Manager
	Tokens   *jwtinfra.Provider
	// Checks are probed by the readiness endpoint, keyed by name.
	Checks map[string]handler.Check
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

package http

import (
	"net/http"

	"github.com/go-auth-nosql/internal/config"
	"github.com/go-auth-nosql/internal/pkg/logger"
	"github.com/go-auth-nosql/internal/transport/http/handler"
	appmiddleware "github.com/go-auth-nosql/internal/transport/http/middleware"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Router is the application handler. Stop releases the rate limiter's
// cleanup goroutine.
type Router struct {
	http.Handler
	limiter *appmiddleware.RateLimiter
}

func (r *Router) Stop() { r.limiter.Stop() }

// NewRouter builds and returns the application router.
func NewRouter(cfg *config.Config, deps *Deps) *Router {
	log := logger.OrNop(deps.Logger)

	proxies, err := appmiddleware.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		log.Error("ignoring trusted proxies; forwarding headers will not be honored", zap.Error(err))
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.RealIP(proxies))
	r.Use(appmiddleware.RequestLogger(log.Named("http")))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMw := appmiddleware.Auth(deps.Tokens, deps.Sessions, log.Named("auth"))

	// Applied to every endpoint that issues or accepts a code.
	sensitiveRL := appmiddleware.NewRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	healthH := handler.NewHealthHandler(deps.Checks, log)
	authH := handler.NewAuthHandler(deps.Auth, log)
	accountH := handler.NewAccountHandler(deps.Auth)
	sessionH := handler.NewSessionHandler(deps.Auth, deps.Sessions)
	userH := handler.NewUserHandler(deps.Users)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health-check/{action}", healthH.Ping)
		r.Get("/ready", healthH.Ready)

		r.Group(func(r chi.Router) {
			r.Use(sensitiveRL.Limit)

			r.Post("/users", userH.Register)
			r.Post("/sessions/login", authH.Login)
			r.Post("/sessions/second-factor", authH.SecondFactor)
			r.Post("/sessions/refresh", authH.Refresh)
			r.Post("/login-code/request", authH.RequestLoginCode)
			r.Post("/login-code/verify", authH.LoginWithCode)
			r.Post("/password-recovery/request", authH.RequestPasswordReset)
			r.Post("/password-recovery/verify", authH.VerifyPasswordReset)
			r.Post("/password-recovery/change-password", authH.ChangePassword)
		})

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(authMw)

			r.Get("/users/me", userH.Me)

			r.Get("/sessions", sessionH.List)
			r.Get("/sessions/current", sessionH.GetCurrent)
			r.Post("/sessions/logout", sessionH.Logout)
			r.Post("/sessions/logout-all", sessionH.LogoutAll)

			r.Put("/mfa/email", accountH.SetEmail2FA)

			r.Group(func(r chi.Router) {
				r.Use(sensitiveRL.Limit)

				r.Post("/mfa/totp", accountH.BeginTOTP)
				r.Post("/mfa/totp/confirm", accountH.ConfirmTOTP)
				r.Post("/phone/request", accountH.RequestPhoneConfirmation)
				r.Post("/phone/confirm", accountH.ConfirmPhone)
			})
		})
	})

	return &Router{Handler: r, limiter: sensitiveRL}
}

// Package api provides the HTTP surface for the inference gateway: C11
// session auth, C5/C6/C7's submit-stream-cancel request lifecycle, C10's
// health probe, and operator endpoints over C5/C8/C10.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/openclass/nexusai-gateway/internal/api/handlers"
	"github.com/openclass/nexusai-gateway/internal/api/middleware"
	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/config"
	"github.com/openclass/nexusai-gateway/internal/dispatcher"
	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/resilience"
	"github.com/openclass/nexusai-gateway/internal/vkp"
)

// Router is the gateway's HTTP API.
type Router struct {
	config *config.Config
	mux    *chi.Mux

	auth      *handlers.AuthHandler
	chat      *handlers.ChatHandler
	admin     *handlers.AdminHandler
	health    *handlers.HealthHandler
	session   *auth.Manager
	rateLimit *middleware.RateLimitMiddleware
}

// Dependencies bundles every component the router wires into handlers.
// Chat is built by the caller (cmd/server) because its Worker method must
// already be bound into the Dispatcher before the Dispatcher is usable.
type Dependencies struct {
	AuthManager *auth.Manager
	Dispatch    *dispatcher.Dispatcher
	Chat        *handlers.ChatHandler
	VKP         *vkp.Manager
	Supervisor  *resilience.Supervisor
}

// NewRouter builds the API router and its routes over deps.
func NewRouter(cfg *config.Config, deps Dependencies) *Router {
	r := &Router{
		config:  cfg,
		mux:     chi.NewRouter(),
		auth:    handlers.NewAuthHandler(deps.AuthManager),
		chat:    deps.Chat,
		admin:   handlers.NewAdminHandler(deps.Dispatch, deps.VKP, deps.Supervisor),
		health:  handlers.NewHealthHandler(deps.Supervisor),
		session: deps.AuthManager,
	}

	redisAddr := ""
	if cfg != nil {
		redisAddr = cfg.Telemetry.RedisAddr
	}
	rateLimit, err := middleware.NewDefaultRateLimitMiddleware(redisAddr)
	if err != nil {
		logging.GetComponentLogger("api").Warn("rate limit middleware disabled", "error", err.Error())
	}
	r.rateLimit = rateLimit

	r.setupMiddleware()
	r.setupRoutes()
	return r
}

func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.Timeout(30 * time.Second))
	r.mux.Use(middleware.NewLoggingMiddleware().Handler())
	r.mux.Use(r.corsMiddleware().Handler())
	r.mux.Use(middleware.NewDefaultSecurityHeadersMiddleware().Handler())
	r.mux.Use(middleware.NewDefaultSanitizationMiddleware().Handler())
	r.mux.Use(chimiddleware.RequestSize(10 * 1024 * 1024))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
}

func (r *Router) corsMiddleware() *middleware.CORSMiddleware {
	if r.config.Server.Host == "localhost" || r.config.Server.Host == "127.0.0.1" {
		return middleware.NewDefaultCORSMiddleware()
	}
	return middleware.NewProductionCORSMiddleware(nil)
}

func (r *Router) setupRoutes() {
	r.mux.Get("/health", r.health.Handle)
	r.mux.Get("/readiness", r.health.HandleReadiness)
	r.mux.Get("/liveness", r.health.HandleLiveness)

	r.mux.Route("/api/v1", func(rtr chi.Router) {
		if r.rateLimit != nil {
			rtr.Use(r.rateLimit.Handler())
		}

		rtr.Route("/auth", func(authRtr chi.Router) {
			authRtr.Post("/register", r.auth.Register)
			authRtr.Post("/login", r.auth.Login)
			authRtr.Post("/logout", r.auth.Logout)
		})

		rtr.Group(func(chatRtr chi.Router) {
			chatRtr.Use(middleware.RequireSession(r.session))
			chatRtr.Post("/chat", r.chat.Submit)
			chatRtr.Get("/chat/stream", r.chat.Stream)
			chatRtr.Get("/chat/position", r.chat.Position)
			chatRtr.Post("/chat/cancel", r.chat.Cancel)
		})

		rtr.Route("/admin", func(adminRtr chi.Router) {
			adminRtr.Use(middleware.RequireSession(r.session))
			adminRtr.Use(middleware.RequireRole(domain.RoleTeacher, domain.RoleAdmin))
			adminRtr.Get("/queue", r.admin.QueueStats)
			adminRtr.Post("/vkp/rollback", r.admin.Rollback)
			adminRtr.Post("/snapshot", r.admin.Snapshot)
		})
	})
}

// Close releases the router's background resources (rate limit monitor and
// Redis connections).
func (r *Router) Close() error {
	if r.rateLimit != nil {
		return r.rateLimit.Close()
	}
	return nil
}

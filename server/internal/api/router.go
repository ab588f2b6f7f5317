package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fuzzctl/fuzzctl/server/internal/auth"
	"github.com/fuzzctl/fuzzctl/server/internal/metrics"
	"github.com/fuzzctl/fuzzctl/server/internal/store"
	"github.com/fuzzctl/fuzzctl/server/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.AuthService
	Scheduler   CollectionScheduler
	Store       *store.Store
	Hub         *websocket.Hub
	Logger      *zap.Logger

	// Secure controls whether auth cookies are set with the Secure flag.
	// Set to true in production (HTTPS), false in local development.
	Secure bool
}

// NewRouter builds and returns the fully configured Chi router.
// API routes are registered under /api/v1; /metrics is mounted at the root.
// No GUI or static-file handler is mounted.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// Prometheus scrape endpoint, outside /api/v1 and unauthenticated —
	// the same convention as the cluster's other internal scrape targets.
	r.Handle("/metrics", metrics.Handler())

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger, cfg.Secure)
	agentHandler := NewAgentHandler(cfg.Store, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Scheduler, cfg.Store, cfg.Logger)
	userHandler := NewUserHandler(cfg.Store, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.AuthService.JWTManager(), cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/refresh", authHandler.Refresh)
		})

		// WebSocket upgrade authenticates itself via a `token` query parameter
		// (see ws.go) since the browser WebSocket API cannot set headers.
		r.Get("/ws", wsHandler.ServeWS)

		// --- Authenticated routes (valid JWT required) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			// Auth
			r.Post("/auth/logout", authHandler.Logout)

			// Current user profile
			r.Get("/users/me", userHandler.GetMe)
			r.Patch("/users/me", userHandler.UpdateMe)

			// Agents
			r.Get("/agents", agentHandler.List)
			r.Post("/agents", agentHandler.Create)
			r.Get("/agents/{guid}", agentHandler.GetByGuid)
			r.Delete("/agents/{guid}", agentHandler.Delete)

			// Job collections
			r.Get("/collections", jobHandler.List)
			r.Post("/collections", jobHandler.Create)
			r.Get("/collections/{guid}", jobHandler.GetByGuid)
			r.Get("/collections/{guid}/jobs", jobHandler.ListSubJobs)
			r.Get("/collections/{guid}/crashes", jobHandler.ListCrashes)
		})
	})

	return r
}

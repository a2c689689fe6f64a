// Package core is the API chassis: chi router setup, the global
// middleware chain, response envelopes, and request validation. It
// enforces cross-cutting concerns before requests reach domain
// handlers.
package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fincoach/internal/config"
)

// RouteRegistrar mounts a handler group onto the router. The entry
// point populates these, which keeps core free of handler imports.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP API.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator

	// V1Routes are mounted under /v1 behind authentication.
	// PublicRoutes are mounted at the root and skip it.
	V1Routes     []RouteRegistrar
	PublicRoutes []RouteRegistrar

	router *chi.Mux
}

// NewServer wires the chassis. Routes are mounted separately via
// MountRoutes so tests can customize registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain and all routes.
//
// Middleware order matters:
//  1. Recoverer catches everything below it.
//  2. ContextTimeout bounds each request.
//  3. RequestID before logging so logs carry the correlation ID.
//  4. SecurityHeaders on every response, including errors.
//  5. RequestLogger observes the final status.
//  6. Auth resolves the user last, so failures are logged too.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.Config.Server.RequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(s.AuthMiddleware)

	s.router.Route("/v1", func(r chi.Router) {
		for _, mount := range s.V1Routes {
			mount(r)
		}
	})
	for _, mount := range s.PublicRoutes {
		mount(s.router)
	}

	s.router.Get("/health", s.HandleHealth)
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

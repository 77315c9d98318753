// Package api exposes the HTTP surface: provider webhooks (signed status
// callbacks and the media-stream websocket) and the authenticated control
// API for placing and driving calls.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	apimw "github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/provider"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	manager *call.Manager
	twilio  *provider.Twilio
	streams *provider.MediaStreams
	cfg     *config.Config
	logger  *slog.Logger

	apiLimiter     *apimw.IPRateLimiter
	webhookLimiter *apimw.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(manager *call.Manager, twilio *provider.Twilio, streams *provider.MediaStreams, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		manager: manager,
		twilio:  twilio,
		streams: streams,
		cfg:     cfg,
		logger:  logger.With("subsystem", "api"),

		apiLimiter:     apimw.NewIPRateLimiter(apimw.DefaultRateLimitConfig()),
		webhookLimiter: apimw.NewIPRateLimiter(apimw.WebhookRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.webhookLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apimw.StructuredLogger)
	r.Use(apimw.Recoverer)

	r.Get("/health", s.handleHealth)

	// Provider webhooks. Authenticated by signature, not token.
	r.Route("/webhooks/twilio", func(r chi.Router) {
		r.Use(apimw.RateLimit(s.webhookLimiter))
		r.Post("/answer", s.handleTwilioAnswer)
		r.Post("/status", s.handleTwilioStatus)
		r.Get("/media", s.handleTwilioMedia)
	})

	// Control API.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apimw.RateLimit(s.apiLimiter))
		r.Use(apimw.RequireToken(s.cfg.APIToken))

		r.Route("/calls", func(r chi.Router) {
			r.Post("/", s.handleInitiateCall)
			r.Get("/", s.handleListActive)
			r.Get("/history", s.handleHistory)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCall)
				r.Post("/speak", s.handleSpeak)
				r.Post("/converse", s.handleConverse)
				r.Post("/continue", s.handleContinue)
				r.Delete("/", s.handleEndCall)
			})
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package web is the coordinator's HTTP surface: feature submission,
// the worker completion webhook, the SSE event stream, and the admin
// plane.
package web

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/steelthread/foreman/internal/events"
	"github.com/steelthread/foreman/internal/metrics"
	"github.com/steelthread/foreman/internal/scheduler"
	"github.com/steelthread/foreman/internal/store"
)

// Controls is the pause/resume surface the admin plane drives.
// Satisfied by the coordinator.
type Controls interface {
	Pause() error
	Resume() error
}

// Config holds web server settings.
type Config struct {
	// Addr is the listen address, e.g. ":8484".
	Addr string

	// WebhookSecret authenticates worker completion reports. Empty
	// disables verification.
	WebhookSecret string

	// AdminToken guards the admin endpoints. Empty leaves them open.
	AdminToken string
}

// Server hosts the HTTP API.
type Server struct {
	addr          string
	webhookSecret string
	adminToken    string

	store     *store.Store
	bus       *events.Bus
	admission *scheduler.Admission
	controls  Controls
	hub       *Hub

	httpServer *http.Server
	listener   net.Listener
}

// New creates a web server. Call Start to begin serving.
func New(cfg Config, s *store.Store, bus *events.Bus, adm *scheduler.Admission, controls Controls) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8484"
	}

	srv := &Server{
		addr:          cfg.Addr,
		webhookSecret: cfg.WebhookSecret,
		adminToken:    cfg.AdminToken,
		store:         s,
		bus:           bus,
		admission:     adm,
		controls:      controls,
		hub:           NewHub(),
	}

	srv.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// routes assembles the router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/submit", s.handleSubmit)
	r.Get("/features", s.handleListFeatures)
	r.Get("/features/{id}", s.handleGetFeature)
	r.Get("/phases/{id}", s.handleGetPhase)
	r.Post("/phase-complete", s.handlePhaseComplete)
	r.Get("/events", s.handleEvents)

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return requireBearer(s.adminToken, next)
		})
		r.Get("/state", s.handleAdminState)
		r.Post("/pause", s.handleAdminPause)
		r.Post("/resume", s.handleAdminResume)
		r.Patch("/config", s.handleAdminConfig)
		r.Post("/phases/{id}/unblock", s.handleAdminUnblock)
	})

	return r
}

// Hub exposes the SSE hub so the bus can be wired to it.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the full router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening and subscribes the hub to the bus.
// Non-blocking; serve errors surface through Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	go s.hub.Run()
	if s.bus != nil {
		s.bus.Subscribe(s.hub.HandleEvent)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			// Listener failures after startup are fatal to the API only;
			// the scheduler keeps running
			log.Printf("web server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server and hub down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

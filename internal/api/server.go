package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/hookline/internal/config"
	"github.com/shohag/hookline/internal/delivery"
	"github.com/shohag/hookline/internal/eventbus"
	"github.com/shohag/hookline/internal/metrics"
	"github.com/shohag/hookline/internal/notify"
	"github.com/shohag/hookline/internal/registry"
	"github.com/shohag/hookline/internal/storage"
)

type Deps struct {
	Store    storage.Storage
	Registry *registry.Registry
	Engine   *delivery.Engine
	Bus      *eventbus.Bus
	EventLog *notify.Log
	// Metrics may be nil, in which case /metrics is not served.
	Metrics *metrics.Metrics
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With().Str("component", "api").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	epHandler := NewEndpointHandler(s.deps.Registry, s.deps.Engine, s.log)
	dlvHandler := NewDeliveryHandler(s.deps.Engine, s.log)
	statsHandler := NewStatsHandler(s.deps.Store, s.deps.EventLog, s.log)
	evHandler := NewEventHandler(s.deps.Bus, s.deps.Registry.Catalog(), s.deps.Metrics)

	r.Get("/health", statsHandler.Health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AdminAuth(s.cfg.AdminToken))

		r.Post("/events", evHandler.Publish)
		r.Get("/events/catalog", evHandler.Catalog)

		r.Route("/endpoints", func(r chi.Router) {
			r.Post("/", epHandler.Create)
			r.Get("/", epHandler.List)
			r.Get("/{id}", epHandler.Get)
			r.Patch("/{id}", epHandler.Update)
			r.Delete("/{id}", epHandler.Delete)
			r.Post("/{id}/pause", epHandler.Pause())
			r.Post("/{id}/resume", epHandler.Resume())
			r.Post("/{id}/disable", epHandler.Disable())
			r.Post("/{id}/reactivate", epHandler.Reactivate())
			r.Post("/{id}/rotate-secret", epHandler.RotateSecret)
			r.Post("/{id}/test", epHandler.Test)
		})

		r.Get("/deliveries", dlvHandler.List)
		r.Get("/deliveries/{id}", dlvHandler.Get)
		r.Post("/deliveries/{id}/retry", dlvHandler.Retry)

		r.Get("/stats", statsHandler.Stats)
		r.Get("/log", statsHandler.Log)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

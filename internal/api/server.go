package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/config"
	"github.com/shohag/sosrelay/internal/delivery"
	"github.com/shohag/sosrelay/internal/gateway"
	"github.com/shohag/sosrelay/internal/location"
	"github.com/shohag/sosrelay/internal/queue"
)

// Deps are the components behind the local control API. Feed and Gatherer
// are optional.
type Deps struct {
	Gateway        *gateway.Gateway
	Queue          *queue.Queue
	Sync           *delivery.Orchestrator
	Locator        *location.Acquirer
	Feed           *location.Feed
	Clock          clock.Clock
	Gatherer       prometheus.Gatherer
	LocationBudget time.Duration
}

type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	router *chi.Mux
	log    zerolog.Logger
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	alertHandler := NewAlertHandler(s.deps.Gateway)
	queueHandler := NewQueueHandler(s.deps.Queue, s.deps.Sync, s.log)
	syncHandler := NewSyncHandler(s.deps.Sync)
	locHandler := NewLocationHandler(s.deps.Locator, s.deps.Feed, s.deps.Clock, s.deps.LocationBudget)
	statsHandler := NewStatsHandler(s.deps.Queue, s.deps.Gateway)

	// Health check and metrics, no auth
	r.Get("/health", statsHandler.Health)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.AuthToken))

		// Alerts
		r.Post("/alerts", alertHandler.Create)
		r.Get("/alerts", alertHandler.List)
		r.Get("/alerts/nearby", alertHandler.Nearby)
		r.Post("/alerts/{ref}/resolve", alertHandler.Resolve)

		// Queue
		r.Get("/queue", queueHandler.List)
		r.Get("/queue/count", queueHandler.Count)
		r.Get("/queue/events", queueHandler.Events)
		r.Post("/queue/purge", queueHandler.Purge)

		// Sync
		r.Post("/sync", syncHandler.SyncNow)
		r.Get("/sync/status", syncHandler.Status)

		// Location
		r.Post("/location", locHandler.Report)
		r.Get("/location", locHandler.Acquire)

		r.Get("/cooldown", statsHandler.Cooldown)
		r.Get("/stats", statsHandler.Stats)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

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

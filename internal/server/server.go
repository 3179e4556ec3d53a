// Package server is the execution engine's upstream HTTP surface
// (SPEC_FULL.md §9): approval/rejection endpoints, the read-side execution
// listing, the pre-trade report, and the SSE event stream. Grounded on the
// teacher's internal/server/server.go for the router/middleware/lifecycle
// shape; the module-specific route tables it wires (universe, portfolio,
// planning, ...) are out of scope here, replaced by the execution engine's
// own handful of routes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/approval"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/dispatch"
	"github.com/aristath/sentinel/internal/events"
	"github.com/aristath/sentinel/internal/store"
)

// Config is everything the HTTP layer needs from the rest of the wired
// engine. Every field is a narrow dependency the executor/dispatcher/janitor
// also hold, so the server never constructs its own copy of shared state.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Store     *store.Store
	Budgets   *store.BudgetStore
	Approval  *approval.Gate
	Dispatch  *dispatch.Dispatcher
	Bus       *events.Bus
	HealthDBs map[string]*database.DB // name -> db, pinged by /healthz
}

// Server wraps the chi router and the http.Server lifecycle. Handlers only
// ever enqueue work or read the state store directly; nothing here drives an
// execution synchronously on the request goroutine (SPEC_FULL.md's Open
// Question 2: enqueue-only HTTP layer).
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	store     *store.Store
	budgets   *store.BudgetStore
	approval  *approval.Gate
	dispatch  *dispatch.Dispatcher
	bus       *events.Bus
	healthDBs map[string]*database.DB
}

// New builds the router, wires routes, and prepares (but does not start) the
// http.Server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		store:     cfg.Store,
		budgets:   cfg.Budgets,
		approval:  cfg.Approval,
		dispatch:  cfg.Dispatch,
		bus:       cfg.Bus,
		healthDBs: cfg.HealthDBs,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Get("/{id}", s.handleGetExecution)
		r.Get("/{id}/pre-trade-report", s.handlePreTradeReport)
		r.Post("/{id}/approve", s.handleApproveByID)
		r.Post("/{id}/reject", s.handleRejectByID)
		r.Post("/{id}/cancel", s.handleCancel)
	})

	s.router.Route("/approvals/{token}", func(r chi.Router) {
		r.Get("/", s.handleGetByToken)
		r.Post("/approve", s.handleApproveByToken)
		r.Post("/reject", s.handleRejectByToken)
	})

	s.router.Get("/events/stream", s.handleEventsStream)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// Start blocks serving HTTP until the listener fails or Shutdown is called,
// in which case it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

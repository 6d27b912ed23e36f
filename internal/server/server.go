package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/ledispatch/internal/config"
	"github.com/me/ledispatch/internal/engine"
	"github.com/me/ledispatch/internal/scheduler"
	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// Server is the dispatch REST API server.
type Server struct {
	router          chi.Router
	logger          *slog.Logger
	config          config.ServerConfig
	startTime       time.Time
	store           store.Store
	engine          *engine.Engine
	scheduler       scheduler.Scheduler
	workerKeyConfig *WorkerKeyConfig
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithScheduler attaches the maintenance loop started by StartScheduler.
func WithScheduler(sched scheduler.Scheduler) Option {
	return func(s *Server) {
		s.scheduler = sched
	}
}

// WithWorkerKeyConfig enables X-Worker-Key authentication on worker routes.
func WithWorkerKeyConfig(cfg *WorkerKeyConfig) Option {
	return func(s *Server) {
		s.workerKeyConfig = cfg
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, eng *engine.Engine, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		engine:    eng,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartScheduler begins the maintenance loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	workerAuth := workerAuthMiddleware(s.workerKeyConfig, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		// Analysis tasks
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleAddTask)
			r.With(workerAuth).Get("/next", s.handleClaimTask)
			r.With(workerAuth).Put("/complete", s.handleCompleteTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.With(workerAuth).Put("/complete", s.handleCompleteTaskByID)
				r.With(workerAuth).Post("/failure", s.handleTaskFailure)
			})
		})

		// Experimental tasks
		r.Route("/experimental-tasks", func(r chi.Router) {
			r.Post("/", s.handleAddExperimentalTask)
			r.With(workerAuth).Get("/next", s.handleClaimExperimentalTask)
			r.With(workerAuth).Put("/{id}/complete", s.handleCompleteExperimentalTask)
		})

		// Experiment registry
		r.Route("/experiments", func(r chi.Router) {
			r.Get("/", s.handleListExperiments)
			r.Post("/", s.handleRegisterExperiment)
		})

		// Slot queries for ingestion callers
		r.Route("/slots", func(r chi.Router) {
			r.Get("/active", s.handleSlotActive)
			r.Route("/{slot}", func(r chi.Router) {
				r.Get("/eligible", s.handleSlotEligible)
				r.Get("/backoff", s.handleSlotBackoff)
				r.Get("/timed-out", s.handleSlotTimedOut)
				r.Get("/service", s.handleSlotService)
				r.Post("/retire-failed", s.handleSlotRetireFailed)
			})
		})

		// Analysis contexts
		r.Route("/contexts", func(r chi.Router) {
			r.Post("/", s.handleQueueContext)
			r.With(workerAuth).Get("/next", s.handleClaimContext)
			r.Put("/{id}/status", s.handleContextStatus)
		})

		r.Get("/supervised", s.handleSupervised)

		// Worker registration and checkout
		r.Route("/workers", func(r chi.Router) {
			r.Use(workerAuth)
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDeregisterWorker)
				r.Put("/heartbeat", s.handleWorkerHeartbeat)
				r.Get("/work", s.handleWorkerCheckout)
				r.Put("/tasks/{tid}/complete", s.handleWorkerTaskComplete)
			})
		})
	})
}

// respondEngineError maps an engine error onto the envelope: validation
// errors become 400, anything else 500.
func (s *Server) respondEngineError(w http.ResponseWriter, reqID string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrValidation {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}
	s.logger.Error("engine error", "error", err, "request_id", reqID)
	respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/p-arndt/werkbank/internal/config"
)

// Services bundles the backends the HTTP API is served from.
type Services struct {
	Tasks     TaskService
	Journal   JournalService
	Locks     LockService
	Resources ResourceService
}

type Server struct {
	cfg       *config.Config
	tasks     TaskService
	journal   JournalService
	locks     LockService
	resources ResourceService
	logger    *slog.Logger
	router    chi.Router
}

func NewServer(cfg *config.Config, svc Services, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		tasks:     svc.Tasks,
		journal:   svc.Journal,
		locks:     svc.Locks,
		resources: svc.Resources,
		logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestIDMiddleware)
	r.Use(s.authMiddleware)

	// Health check (no auth)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/start", s.handleStartTask)
				r.Post("/complete", s.handleCompleteTask)
				r.Post("/fail", s.handleFailTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Post("/resume", s.handleResumeTask)
				r.Get("/logs", s.handleTaskLogs)
				r.Post("/checkpoints", s.handleCreateCheckpoint)
				r.Get("/checkpoints", s.handleListCheckpoints)
			})
		})

		r.Get("/locks", s.handleLockStatus)
		r.Get("/locks/stats", s.handleLockStats)

		r.Get("/resources", s.handleResourceUsage)
		r.Get("/resources/{id}", s.handleSandboxUsage)
		r.Post("/resources/check", s.handleResourceCheck)
	})

	s.router = r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

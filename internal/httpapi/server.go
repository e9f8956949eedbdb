package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/trickstertwo/xlog"

	"github.com/51f0x/personal-kanban/internal/broadcast"
	"github.com/51f0x/personal-kanban/kanban"
	"github.com/51f0x/personal-kanban/messaging"
)

// Service is the subset of kanban.Service the handlers call.
type Service interface {
	CaptureTask(ctx context.Context, in kanban.CaptureInput) (kanban.Task, error)
	MoveTask(ctx context.Context, taskID, toColumnID string) (kanban.TaskMoved, error)
	MoveTasks(ctx context.Context, moves []kanban.Move) ([]kanban.TaskMoved, error)
}

// Store is the read side the handlers query directly.
type Store interface {
	ListUsers(ctx context.Context, boardID string) ([]kanban.User, error)
	GetTask(ctx context.Context, id string) (kanban.Task, error)
	Activity(ctx context.Context, aggregateID string, limit int) ([]kanban.Activity, error)
	Ping(ctx context.Context) error
}

// HealthChecker reports messaging health.
type HealthChecker interface {
	Health(ctx context.Context) messaging.HealthStatus
}

// Deps are the collaborators of the HTTP surface. Metrics may be nil.
type Deps struct {
	Service Service
	Store   Store
	Hub     *broadcast.Hub
	Health  HealthChecker
	Metrics http.Handler
	Logger  *xlog.Logger
}

type handlers struct {
	Deps
	logger *xlog.Logger
}

// NewRouter wires every route.
func NewRouter(d Deps) http.Handler {
	lg := d.Logger
	if lg == nil {
		lg = xlog.Default()
	}
	h := &handlers{Deps: d, logger: lg.With(xlog.Str("component", "http"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/boards/{boardID}/users", h.listUsers)
		r.Post("/boards/{boardID}/tasks", h.captureTask)
		r.Get("/boards/{boardID}/stream", h.stream)

		r.Post("/tasks/move", h.moveTasks)
		r.Get("/tasks/{taskID}", h.getTask)
		r.Post("/tasks/{taskID}/move", h.moveTask)
		r.Get("/tasks/{taskID}/activity", h.activity)
	})
	return r
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("status", strconv.Itoa(ww.Status())).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// NewServer returns an http.Server for handler with sane timeouts. Streams are
// long-lived, so there is no write timeout.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsched/internal/auth"
	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/config"
	"gitea.jw6.us/james/calsched/internal/http/ratelimit"
	"gitea.jw6.us/james/calsched/internal/importer"
	"gitea.jw6.us/james/calsched/internal/logging"
	"gitea.jw6.us/james/calsched/internal/metrics"
	"gitea.jw6.us/james/calsched/internal/queue"
	"gitea.jw6.us/james/calsched/internal/store"
)

// Importer runs one import.
type Importer interface {
	Import(ctx context.Context, doc *caldoc.Document) (*importer.Result, error)
}

// WorkQueue exposes queue state to operators.
type WorkQueue interface {
	Stats() queue.Stats
	RequeueDeadLetters() int
}

// HealthChecker pings the backing store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators the router serves.
type Deps struct {
	Config   *config.Config
	Store    store.Transactor
	Health   HealthChecker
	Importer Importer
	// Queue is nil when deliveries run inline.
	Queue  WorkQueue
	Auth   *auth.Service
	Logger logging.Logger
}

// NewRouter wires all HTTP routes.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	h := &handler{deps: d}
	r := chi.NewRouter()

	// Imports: 2 per second, burst of 10
	importRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(2), 10, 5*time.Minute, d.Config.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if d.Health != nil {
			if err := d.Health.HealthCheck(ctx); err != nil {
				http.Error(w, "unready", http.StatusServiceUnavailable)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if d.Config.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(d.Auth.Require)

		r.With(importRateLimiter.Middleware()).Post("/import", h.Import)
		r.Get("/calendars/{principal}/{collection}", h.Collection)
		r.Get("/calendars/{principal}/{collection}/objects/{uid}", h.Object)
		r.Get("/queue", h.QueueStats)
		r.Post("/queue/requeue", h.RequeueDeadLetters)
	})

	return r
}

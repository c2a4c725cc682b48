// Package adminapi exposes the Workflow Engine over HTTP: submitting and
// starting workflows, resuming or canceling them, polling status, and
// listing pending human-approval gates. It is a thin translation layer —
// all orchestration logic lives in services/engine.
package adminapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/governedrun/workflowcore/infrastructure/logging"
	"github.com/governedrun/workflowcore/infrastructure/serviceauth"
	"github.com/governedrun/workflowcore/services/engine"
)

// API holds the dependencies the HTTP handlers need.
type API struct {
	engine           *engine.Engine
	logger           *logging.Logger
	approverVerifier *serviceauth.ApproverTokenVerifier // optional; nil disables auth on resume
}

// Config bundles API construction options.
type Config struct {
	Engine           *engine.Engine
	Logger           *logging.Logger
	ApproverVerifier *serviceauth.ApproverTokenVerifier
}

// New constructs an API.
func New(cfg Config) *API {
	return &API{engine: cfg.Engine, logger: cfg.Logger, approverVerifier: cfg.ApproverVerifier}
}

// Router builds the chi mux for the admin API, wrapped with request
// logging and panic recovery.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/workflows", func(r chi.Router) {
		r.Post("/", a.handleSubmit)
		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", a.handleStatus)
			r.Post("/start", a.handleStart)
			r.Post("/resume", a.handleResume)
			r.Post("/cancel", a.handleCancel)
		})
	})

	r.Get("/v1/approvals", a.handleListApprovals)

	return r
}

func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if logger != nil {
				logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"method":   r.Method,
					"path":     r.URL.Path,
					"status":   ww.Status(),
					"duration": logging.FormatDuration(time.Since(start)),
				}).Info("admin api request")
			}
		})
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

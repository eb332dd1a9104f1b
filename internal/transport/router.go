package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/triage/internal/authoring"
	"github.com/pitabwire/triage/internal/config"
	"github.com/pitabwire/triage/internal/observability"
	"github.com/pitabwire/triage/internal/run"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Engine    *run.Engine
	Authoring *authoring.Service
	Ready     observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints skip the
// request-scoped layers.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Ready))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		if deps.Gatherer != nil {
			r.Handle(path, observability.HandlerFor(deps.Gatherer))
		} else {
			r.Handle(path, observability.Handler())
		}
	}

	r.Group(func(r chi.Router) {
		if cfg.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}
		r.Use(GatewayIdentity)
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/v1", func(r chi.Router) {
			r.Get("/flows/{flowId}", handleGetFlow(deps.Authoring, logger))
			r.Post("/flows/{flowId}/start", handleStartRun(deps.Engine, logger))

			r.Get("/runs", handleListRuns(deps.Engine, logger))
			r.Get("/runs/{runId}", handleGetRun(deps.Engine, logger))
			r.Get("/runs/{runId}/status", handleRunStatus(deps.Engine, logger))
			r.Post("/runs/{runId}/submit", handleSubmit(deps.Engine, logger))

			r.Route("/admin", func(r chi.Router) {
				r.Put("/runs/{runId}/review", handleReviewRun(deps.Engine, logger))

				r.Get("/flows", handleListFlows(deps.Authoring, logger))
				r.Put("/flows/{flowId}", handleSaveFlow(deps.Authoring, logger))
				r.Put("/flows/{flowId}/start-step", handleSetStartStep(deps.Authoring, logger))
				r.Post("/flows/{flowId}/steps", handleCreateStep(deps.Authoring, logger))
				r.Put("/flows/{flowId}/steps/{stepId}", handleUpdateStep(deps.Authoring, logger))
				r.Delete("/flows/{flowId}/steps/{stepId}", handleDeleteStep(deps.Authoring, logger))
				r.Post("/flows/{flowId}/transitions", handleCreateTransition(deps.Authoring, logger))
				r.Put("/flows/{flowId}/transitions/{transitionId}", handleUpdateTransition(deps.Authoring, logger))
				r.Delete("/flows/{flowId}/transitions/{transitionId}", handleDeleteTransition(deps.Authoring, logger))
				r.Post("/flows/{flowId}/validate", handleValidateFlow(deps.Authoring, logger))
				r.Post("/flows/{flowId}/publish", handlePublishFlow(deps.Authoring, logger))
				r.Post("/flows/{flowId}/unpublish", handleUnpublishFlow(deps.Authoring, logger))
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{
			"error": map[string]string{"code": "METHOD_NOT_ALLOWED", "message": "method not allowed"},
		})
	})

	return r
}

// respondError writes err with the request's trace id. Errors that carry no
// envelope are infrastructure failures and get logged before being masked.
func respondError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeErrorTrace(w, err, observability.TraceIDFromContext(r.Context()))
}

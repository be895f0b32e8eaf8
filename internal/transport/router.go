package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/attestia/stageflow/internal/config"
	"github.com/attestia/stageflow/internal/engine"
	"github.com/attestia/stageflow/internal/observability"
	"github.com/attestia/stageflow/internal/template"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Templates    *template.Service
	Engine       *engine.Engine
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes — bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	th := &templateHandler{service: deps.Templates, logger: deps.Logger, metrics: deps.Metrics}
	ih := &instanceHandler{engine: deps.Engine, logger: deps.Logger}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		if deps.Config.Observability.Tracing.Enabled {
			r.Use(observability.TracingMiddleware)
		}
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(RequireTenant)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", th.create)
			r.Get("/", th.list)
			r.Get("/{templateID}", th.get)
			r.Put("/{templateID}", th.update)
			r.Delete("/{templateID}", th.delete)
			r.Post("/{templateID}/activate", th.activate)
			r.Post("/{templateID}/deactivate", th.deactivate)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Post("/", ih.start)
			r.Get("/", ih.list)
			r.Get("/{instanceID}", ih.get)
			r.Post("/{instanceID}/transition", ih.transition)
			r.Post("/{instanceID}/pause", ih.pause)
			r.Post("/{instanceID}/resume", ih.resume)
			r.Post("/{instanceID}/cancel", ih.cancel)
			r.Get("/{instanceID}/history", ih.history)
		})

		r.Get("/history", ih.queryHistory)
	})

	return r
}

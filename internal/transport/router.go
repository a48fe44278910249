package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tabula/internal/callback"
	"github.com/pitabwire/tabula/internal/config"
	"github.com/pitabwire/tabula/internal/observability"
	"github.com/pitabwire/tabula/model"
)

// Route paths.
const (
	RenderPath = "/tables/{table}"
	InvokePath = callback.Path
	SchemaPath = "/table-actions/openapi.json"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Capabilities model.CapabilityResolver

	Tables   TableResolver
	Renderer Renderer
	Invoker  Invoker
	// Schema is served as the invocation OpenAPI document.
	Schema any

	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	Readiness      observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(RequestID)
	r.Use(ContextLogger(deps.Logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.MetricsHandler != nil {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging)
		r.Use(auth)
		r.Use(ResolveCapabilities(deps.Capabilities))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		if deps.Schema != nil {
			r.Get(SchemaPath, handleSchema(deps.Schema))
		}
		if deps.Tables != nil && deps.Renderer != nil {
			r.Get(RenderPath, handleRender(deps.Tables, deps.Renderer, deps.Logger))
		}
		if deps.Invoker != nil {
			r.With(
				SameOrigin(deps.Config.Server.CORS.AllowedOrigins),
				MaxBody(deps.Config.Server.MaxBodyBytes),
			).Post(InvokePath, handleInvoke(deps.Invoker, deps.Logger))
		}
	})

	return r
}

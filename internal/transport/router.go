package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/watchtower/internal/config"
	"github.com/pitabwire/watchtower/internal/observability"
	"github.com/pitabwire/watchtower/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Console            http.Handler
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
	Build              observability.BuildInfo
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(Correlation)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth(deps.Build))
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, ConsolePath("dashboard.list"), http.StatusFound)
		})
		if deps.Console != nil {
			r.Get(ConsolePrefix+"{action}", deps.Console.ServeHTTP)
			r.Post(ConsolePrefix+"{action}", deps.Console.ServeHTTP)
		}
	})

	return r
}

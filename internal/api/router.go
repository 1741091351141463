package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/signoff/internal/api/handlers"
	"github.com/Togather-Foundation/signoff/internal/api/middleware"
	"github.com/Togather-Foundation/signoff/internal/audit"
	"github.com/Togather-Foundation/signoff/internal/config"
	"github.com/Togather-Foundation/signoff/internal/domain/events"
	"github.com/Togather-Foundation/signoff/internal/domain/identities"
	"github.com/Togather-Foundation/signoff/internal/metrics"
)

// Deps are the collaborators the HTTP surface needs. Health and Ping may be
// nil.
type Deps struct {
	Engine     *events.Engine
	Identities identities.Repository
	Tokens     middleware.TokenValidator
	Health     *handlers.HealthChecker
	Ping       func(context.Context) error
	Logger     zerolog.Logger
	Env        string
	CORS       config.CORSConfig

	Version   string
	GitCommit string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	eventsHandler := handlers.NewEventsHandler(deps.Engine, audit.NewLogger(deps.Logger), deps.Env)
	identitiesHandler := handlers.NewIdentitiesHandler(deps.Identities, deps.Env)

	authed := middleware.BearerAuth(deps.Tokens, deps.Env)
	limited := middleware.RequestSize(middleware.DefaultMaxBodySize)
	protect := func(fn http.HandlerFunc) http.Handler {
		return authed(limited(fn))
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", handlers.Healthz())
	mux.Handle("/readyz", handlers.Readyz(deps.Ping))
	if deps.Health != nil {
		mux.Handle("/health", deps.Health.Health())
	}
	mux.Handle("/version", VersionHandler(deps.Version, deps.GitCommit, deps.BuildDate))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.Handle("/api/v1/events", methodMux(map[string]http.Handler{
		http.MethodGet:  protect(eventsHandler.ListMine),
		http.MethodPost: protect(eventsHandler.Create),
	}))
	mux.Handle("/api/v1/events/{id}", methodMux(map[string]http.Handler{
		http.MethodGet: protect(eventsHandler.Get),
		http.MethodPut: protect(eventsHandler.Edit),
	}))
	mux.Handle("/api/v1/events/{id}/decisions", methodMux(map[string]http.Handler{
		http.MethodPost: protect(eventsHandler.Decide),
	}))
	mux.Handle("/api/v1/events/{id}/publish", methodMux(map[string]http.Handler{
		http.MethodPost: protect(eventsHandler.Publish),
	}))
	mux.Handle("/api/v1/events/{id}/approvers/{approverId}/reminders", methodMux(map[string]http.Handler{
		http.MethodPost: protect(eventsHandler.Remind),
	}))
	mux.Handle("/api/v1/approvals", methodMux(map[string]http.Handler{
		http.MethodGet: protect(eventsHandler.ListApprovals),
	}))
	mux.Handle("/api/v1/me", methodMux(map[string]http.Handler{
		http.MethodGet: protect(identitiesHandler.Me),
	}))

	var handler http.Handler = mux
	handler = middleware.CORS(deps.CORS, deps.Logger)(handler)
	handler = middleware.RequestLogging(deps.Logger)(handler)
	handler = middleware.SecurityHeaders(deps.Env == "production")(handler)
	handler = metrics.HTTPMiddleware(handler)
	handler = middleware.Tracing(handler)
	handler = middleware.CorrelationID(deps.Logger)(handler)
	return handler
}

func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

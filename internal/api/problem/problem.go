package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

const contentType = "application/problem+json"

const typeBase = "https://signoff.events/problems/"

const (
	TypeValidation   = typeBase + "validation"
	TypeNotFound     = typeBase + "not-found"
	TypeConflict     = typeBase + "conflict"
	TypeDependency   = typeBase + "dependency"
	TypeUnauthorized = typeBase + "unauthorized"
	TypeForbidden    = typeBase + "forbidden"
	TypeInternal     = typeBase + "internal"
)

type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Errors   map[string]interface{} `json:"errors,omitempty"`
}

type Option func(*ProblemDetails)

func WithDetail(detail string) Option {
	return func(p *ProblemDetails) {
		p.Detail = detail
	}
}

func WithInstance(instance string) Option {
	return func(p *ProblemDetails) {
		p.Instance = instance
	}
}

func WithErrors(errs map[string]interface{}) Option {
	return func(p *ProblemDetails) {
		p.Errors = errs
	}
}

// Write renders a problem document. Outside development and test, the detail
// of an error without an explicit WithDetail is replaced by the status text.
func Write(w http.ResponseWriter, r *http.Request, status int, typ, title string, err error, env string, opts ...Option) {
	problem := ProblemDetails{
		Type:   typ,
		Title:  title,
		Status: status,
	}

	for _, opt := range opts {
		opt(&problem)
	}

	if problem.Detail == "" && err != nil {
		if env == "development" || env == "test" {
			problem.Detail = err.Error()
		} else {
			problem.Detail = http.StatusText(status)
		}
	}

	if problem.Instance == "" && r != nil {
		problem.Instance = r.URL.Path
	}

	if err != nil && r != nil {
		logger := zerolog.Ctx(r.Context())
		event := logger.Warn()
		if status >= 500 {
			event = logger.Error()
		}
		event.
			Err(err).
			Int("status", status).
			Str("type", typ).
			Str("path", r.URL.Path).
			Str("method", r.Method).
			Msg(title)
	}

	WriteProblem(w, problem)
}

// FromError maps the workflow error taxonomy onto HTTP problems. Validation,
// not-found and conflict reasons are always shown to the caller.
func FromError(w http.ResponseWriter, r *http.Request, err error, env string) {
	var validation events.ValidationError
	switch {
	case errors.As(err, &validation):
		opts := []Option{WithDetail(validation.Error())}
		if validation.Field != "" {
			opts = append(opts, WithErrors(map[string]interface{}{validation.Field: validation.Message}))
		}
		Write(w, r, http.StatusBadRequest, TypeValidation, "Invalid request", err, env, opts...)
	case errors.Is(err, events.ErrValidation):
		Write(w, r, http.StatusBadRequest, TypeValidation, "Invalid request", err, env, WithDetail(err.Error()))
	case errors.Is(err, events.ErrNotFound):
		Write(w, r, http.StatusNotFound, TypeNotFound, "Not found", err, env, WithDetail(err.Error()))
	case errors.Is(err, events.ErrConflict):
		Write(w, r, http.StatusConflict, TypeConflict, "Conflict", err, env, WithDetail(err.Error()))
	case errors.Is(err, events.ErrDependency):
		Write(w, r, http.StatusBadGateway, TypeDependency, "Upstream dependency failed", err, env)
	default:
		Write(w, r, http.StatusInternalServerError, TypeInternal, "Internal server error", err, env)
	}
}

func WriteProblem(w http.ResponseWriter, problem ProblemDetails) {
	payload, err := json.Marshal(problem)
	if err != nil {
		fallback := fmt.Sprintf("{\"type\":\"about:blank\",\"title\":\"%s\",\"status\":500}", http.StatusText(http.StatusInternalServerError))
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(fallback))
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(problem.Status)
	_, _ = w.Write(payload)
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

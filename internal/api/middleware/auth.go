package middleware

import (
	"errors"
	"net/http"

	"github.com/Togather-Foundation/signoff/internal/api/problem"
	"github.com/Togather-Foundation/signoff/internal/auth"
)

// TokenValidator is satisfied by *auth.JWTManager.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// BearerAuth requires a valid bearer token and stores the caller's identity
// id on the request context.
func BearerAuth(validator TokenValidator, env string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.TokenFromHeader(r.Header.Get("Authorization"))
			if err != nil {
				unauthorized(w, r, err, env)
				return
			}
			claims, err := validator.Validate(token)
			if err != nil {
				unauthorized(w, r, err, env)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithCaller(r.Context(), claims.Subject)))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, err error, env string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="signoff"`)
	problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized",
		errors.Join(problem.ErrUnauthorized, err), env)
}

func callerID(r *http.Request) (string, bool) {
	return auth.CallerFromContext(r.Context())
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Togather-Foundation/signoff/internal/api/problem"
	"github.com/Togather-Foundation/signoff/internal/auth"
	"github.com/Togather-Foundation/signoff/internal/domain/events"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(paymentRules, paymentBody{})
	return v
}

// paymentRules checks the amount of paid events only. The engine zeroes the
// amount of free events.
func paymentRules(sl validator.StructLevel) {
	payment := sl.Current().Interface().(paymentBody)
	if payment.IsPayment && payment.Amount < 0 {
		sl.ReportError(payment.Amount, "amount", "Amount", "gte", "0")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeBody decodes a JSON body into dst and runs struct validation. Every
// failure comes back as an events.ValidationError.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytes):
			return events.ValidationError{Field: "body", Message: fmt.Sprintf("must not exceed %d bytes", maxBytes.Limit)}
		case errors.Is(err, io.EOF):
			return events.ValidationError{Field: "body", Message: "is required"}
		default:
			return events.ValidationError{Field: "body", Message: err.Error()}
		}
	}

	if err := validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fieldError(fieldErrs[0])
		}
		return events.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func fieldError(fe validator.FieldError) events.ValidationError {
	// Namespace is "<struct>.<json path>"; drop the struct type name.
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		msg = "must have at least " + fe.Param() + " entries"
	case "max":
		msg = "must be at most " + fe.Param() + " characters"
	case "gte":
		msg = "must be at least " + fe.Param()
	case "url":
		msg = "must be a URL"
	case "oneof":
		msg = "must be one of " + fe.Param()
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	return events.ValidationError{Field: field, Message: msg}
}

// callerFrom returns the authenticated identity id, writing a 401 when the
// request did not pass through BearerAuth.
func callerFrom(w http.ResponseWriter, r *http.Request, env string) (string, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", problem.ErrUnauthorized, env)
		return "", false
	}
	return caller, true
}

func forbidden(w http.ResponseWriter, r *http.Request, detail, env string) {
	problem.Write(w, r, http.StatusForbidden, problem.TypeForbidden, "Forbidden", problem.ErrForbidden, env, problem.WithDetail(detail))
}

func pathParam(r *http.Request, key string) string {
	return strings.TrimSpace(r.PathValue(key))
}

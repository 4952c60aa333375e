package api

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/license"
)

// Seconds a client should wait before retrying after a storage outage.
const retryAfterSeconds = "5"

var validate = newValidator()

// Field errors name the JSON field, not the Go one.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrResponse is the admin API error body.
type ErrResponse struct {
	HTTPStatusCode int `json:"-"`

	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
	Retry   bool     `json:"retry,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if e.Retry {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errInvalidRequest(details ...string) render.Renderer {
	return &ErrResponse{HTTPStatusCode: http.StatusBadRequest, Error: "invalid request", Details: details}
}

// errFromEngine maps the engine error taxonomy onto HTTP. Unexpected errors
// are logged here and answered without detail.
func errFromEngine(r *http.Request, err error) render.Renderer {
	switch {
	case errors.Is(err, license.ErrInvalidInput):
		return errInvalidRequest(err.Error())
	case errors.Is(err, license.ErrNotFound):
		return &ErrResponse{HTTPStatusCode: http.StatusNotFound, Error: "not found"}
	case errors.Is(err, license.ErrInvalidState):
		return &ErrResponse{HTTPStatusCode: http.StatusConflict, Error: err.Error()}
	case errors.Is(err, license.ErrQuotaExceeded):
		return &ErrResponse{HTTPStatusCode: http.StatusConflict, Error: "quota exceeded"}
	case license.IsTransient(err):
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("storage unavailable")
		return &ErrResponse{HTTPStatusCode: http.StatusServiceUnavailable, Error: "service temporarily unavailable", Retry: true}
	}
	log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	return &ErrResponse{HTTPStatusCode: http.StatusInternalServerError, Error: "internal server error"}
}

// decodeAndValidate reads a JSON body into v and runs struct validation.
func decodeAndValidate(r *http.Request, v any) []string {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return []string{"malformed JSON body"}
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		details := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, fieldMessage(fe))
		}
		return details
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "email":
		return field + " must be a valid email"
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

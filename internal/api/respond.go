package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ChuLiYu/ttq-tasks/internal/gateway"
	"github.com/ChuLiYu/ttq-tasks/internal/registry"
)

// ErrValidation marks a request body that failed validation.
var ErrValidation = errors.New("validation failed")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

var validate = validator.New()

// decodeJSON decodes the request body into v. An empty body leaves v as is.
// Numbers are kept as json.Number so integer kwargs stay integers.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(ErrValidation, err)
	}
	return nil
}

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return errors.Join(ErrValidation, err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// statusFor maps gateway errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownJob), errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrChannelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as an ErrorResponse. Internal errors are logged and
// replaced by a generic message.
func respondError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
		msg = "internal server error"
	}
	respondJSON(w, status, ErrorResponse{Error: msg, RequestID: middleware.GetReqID(r.Context())})
}

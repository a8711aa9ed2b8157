package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/fieldsense/sensor-ingress/internal/pkg/application/credentials"
	"github.com/fieldsense/sensor-ingress/internal/pkg/application/devicemanagement"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/cursor"
	"github.com/fieldsense/sensor-ingress/internal/pkg/infrastructure/storage"
	"github.com/fieldsense/sensor-ingress/internal/pkg/presentation/api/auth"
	"github.com/fieldsense/sensor-ingress/pkg/validation"
)

// errorResponse is the uniform error body. The stable code lives in
// "error"; "message" is human-oriented and may change between releases.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// writeError is the single terminal error mapper. Every handler and
// middleware funnels its failures through here so the status/code taxonomy
// and the response shape cannot drift apart. Validation errors carry their
// precise message to the client; storage and internal errors get a generic
// one.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(errorResponse{
		Error:     code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func mapError(err error) (int, string, string) {
	var verr *validation.Error
	if errors.As(err, &verr) {
		return http.StatusBadRequest, verr.Code, verr.Message
	}

	switch {
	case errors.Is(err, cursor.ErrInvalidCursor):
		return http.StatusBadRequest, validation.CodeInvalidFormat, "cursor is not valid"

	case errors.Is(err, credentials.ErrMissingKey):
		return http.StatusUnauthorized, "MISSING_API_KEY", "X-API-Key header is required"
	case errors.Is(err, credentials.ErrInvalidKey):
		return http.StatusUnauthorized, "INVALID_API_KEY", "API key is not valid"
	case errors.Is(err, credentials.ErrKeyRevoked):
		return http.StatusUnauthorized, "KEY_REVOKED", "API key has been revoked"

	case errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header is required"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "INVALID_TOKEN", "Authorization header must be a bearer token"
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "administrator token is not valid"

	case errors.Is(err, devicemanagement.ErrDeviceNotFound):
		return http.StatusNotFound, "DEVICE_NOT_FOUND", "no device with that hardware id"
	case errors.Is(err, devicemanagement.ErrNoReadings):
		return http.StatusNotFound, "NO_READINGS", "device has no stored readings"
	case errors.Is(err, credentials.ErrKeyNotFound):
		return http.StatusNotFound, "API_KEY_NOT_FOUND", "no api key with that id"

	case errors.Is(err, storage.ErrStoreFailed):
		return http.StatusInternalServerError, "DATABASE_ERROR", "storage operation failed"

	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

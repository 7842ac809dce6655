package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloudbox/cloudbox/internal/registry"
	"github.com/cloudbox/cloudbox/internal/sandbox"
)

var errNoPersistence = errors.New("persistence not configured")

// Error codes returned in API responses.
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeInvalidImage    = "INVALID_IMAGE"
	ErrCodeSandboxUnavail  = "SANDBOX_UNAVAILABLE"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
)

// APIError is a structured error response body.
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeAPIError maps a known error kind (spec.md §7) to the appropriate
// HTTP status and writes a structured body.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	var unavailable *sandbox.ErrSandboxUnavailable
	switch {
	case errors.Is(err, registry.ErrNotFound):
		apiErr = APIError{Code: ErrCodeSessionNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, registry.ErrInvalidImage):
		apiErr = APIError{Code: ErrCodeInvalidImage, Message: err.Error()}
		statusCode = http.StatusBadRequest

	case errors.As(err, &unavailable):
		apiErr = APIError{Code: ErrCodeSandboxUnavail, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/p-arndt/werkbank/internal/apperr"
	"github.com/p-arndt/werkbank/internal/store"
)

// codeSandboxNotFound is API-only; the monitor reports misses as a bool.
const codeSandboxNotFound apperr.Code = "SANDBOX_NOT_FOUND"

// APIError represents a structured API error response
type APIError struct {
	Code    apperr.Code    `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeTaskNotFound, apperr.CodeCheckpointNotFound, apperr.CodeSnapshotNotFound:
		return http.StatusNotFound
	case apperr.CodeLockConflict, apperr.CodeVersionConflict, apperr.CodeTaskAlreadyExists,
		apperr.CodeInvalidStateTransition:
		return http.StatusConflict
	case apperr.CodeLockPermissionDenied:
		return http.StatusForbidden
	case apperr.CodeResourceLimitExceeded:
		return http.StatusTooManyRequests
	case apperr.CodeInvalidRequest, apperr.CodeChunkManifestInvalid:
		return http.StatusBadRequest
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr := APIError{Code: apperr.CodeOf(err), Message: err.Error()}

	var coded *apperr.Error
	if errors.As(err, &coded) {
		apiErr.Details = coded.Details
		if coded.Message != "" {
			apiErr.Message = coded.Message
		}
	}

	switch {
	case apiErr.Code != "":
	case errors.Is(err, store.ErrNotFound):
		apiErr.Code = apperr.CodeTaskNotFound
	default:
		apiErr.Code = apperr.CodeInternal
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(apiErr.Code))
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    apperr.CodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(APIError{
		Code:    apperr.CodeUnauthorized,
		Message: message,
	})
}

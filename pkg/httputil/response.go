package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/pkg/validator"
)

// Response is the standard JSON response envelope.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse represents an error in the standard response format.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData writes a 200-style envelope with the given payload.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Data: data})
}

// WriteError writes a standardized error response based on the error type.
// Internal errors are logged with the request-scoped logger when one is
// present, otherwise with fallback.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}

	requestID := logger.CorrelationIDFromContext(r.Context())

	appErr := toAppError(err)
	if appErr.Status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	WriteJSON(w, appErr.Status, Response{
		Error: &ErrorResponse{Code: appErr.Code, Message: appErr.Message, RequestID: requestID},
	})
}

// toAppError maps err onto an AppError. Errors matching no sentinel become
// an internal error whose message hides the cause.
func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	switch status := apperrors.HTTPStatus(err); status {
	case http.StatusNotFound:
		return &apperrors.AppError{Code: "NOT_FOUND", Message: "resource not found", Status: status, Err: err}
	case http.StatusBadRequest:
		return &apperrors.AppError{Code: "INVALID_INPUT", Message: err.Error(), Status: status, Err: err}
	case http.StatusUnauthorized:
		return &apperrors.AppError{Code: "UNAUTHORIZED", Message: "unauthorized", Status: status, Err: err}
	case http.StatusServiceUnavailable:
		return &apperrors.AppError{Code: "SERVICE_UNAVAILABLE", Message: "service unavailable", Status: status, Err: err}
	default:
		return apperrors.Internal(err)
	}
}

// WriteValidationError writes a standardized validation error response with
// field-level details when err comes from the validator package.
func WriteValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "request validation failed",
				Fields:  valErr.Fields(),
			},
		})
		return
	}

	WriteJSON(w, http.StatusBadRequest, Response{
		Error: &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()},
	})
}

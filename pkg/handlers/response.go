package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/payroll-engine/pkg/apperrors"
)

// TenantMiddleware wraps a handler with the client-scoped database connection.
type TenantMiddleware func(http.HandlerFunc) http.HandlerFunc

// ApiResponse is the envelope of every API response.
type ApiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	return WriteJSON(w, statusCode, ApiResponse{
		Success: false,
		Error:   errorCode,
		Message: message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// writeData writes a successful envelope around data.
func writeData(w http.ResponseWriter, statusCode int, data any, logger *zap.Logger) {
	if err := WriteJSON(w, statusCode, ApiResponse{Success: true, Data: data}); err != nil {
		logger.Error("Failed to write response", zap.Error(err))
	}
}

// writeBadRequest writes a 400 with the given code and message.
func writeBadRequest(w http.ResponseWriter, code, message string, logger *zap.Logger) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// writeServiceError maps a service error to its HTTP status. Errors without
// a kind are logged and reported as internal errors under fallbackCode.
func writeServiceError(w http.ResponseWriter, err error, fallbackCode string, logger *zap.Logger) {
	status, code, message := classifyError(err, fallbackCode)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("code", code), zap.Error(err))
	} else {
		logger.Debug("Request rejected", zap.String("code", code), zap.Error(err))
	}
	if werr := ErrorResponse(w, status, code, message); werr != nil {
		logger.Error("Failed to write error response", zap.Error(werr))
	}
}

func classifyError(err error, fallbackCode string) (status int, code, message string) {
	message = err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	if errors.Is(err, apperrors.ErrNotFound) {
		return http.StatusNotFound, "not_found", message
	}
	if errors.Is(err, apperrors.ErrConflict) {
		return http.StatusConflict, "conflict", message
	}

	kind, ok := apperrors.KindOf(err)
	if !ok {
		return http.StatusInternalServerError, fallbackCode, "Internal server error"
	}
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest, "validation_error", message
	case apperrors.KindState:
		return http.StatusConflict, "invalid_state", message
	case apperrors.KindConfiguration:
		return http.StatusUnprocessableEntity, "configuration_error", message
	default:
		return http.StatusInternalServerError, fallbackCode, message
	}
}

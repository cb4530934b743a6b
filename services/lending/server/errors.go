package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"lendpool/services/lending/engine"
)

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// statusFor maps a service error onto an HTTP status and stable code. The
// message of internal errors is not exposed.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument", err.Error()
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized", err.Error()
	case errors.Is(err, engine.ErrConflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, engine.ErrInsufficientCollateral):
		return http.StatusUnprocessableEntity, "insufficient_collateral", err.Error()
	case errors.Is(err, engine.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded", "request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled", "request canceled"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: RequestIDFrom(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

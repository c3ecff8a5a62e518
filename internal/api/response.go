package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/repository"
	"github.com/uma-arai/sbcntr-booking/internal/service/booking"
)

// エラーコード
const (
	CodeBadJSON          = "BAD_JSON"
	CodeValidation       = "VALIDATION_ERROR"
	CodeConflict         = "CONFLICT"
	CodeNotFound         = "NOT_FOUND"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeTimeout          = "TIMEOUT"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse はエラー時の応答です
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeServiceError はサービスのエラーをHTTPステータスに変換して書き込みます
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *booking.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, CodeValidation, verr.Error())
	case errors.Is(err, gate.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, "the requested interval overlaps an existing reservation")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "reservation not found")
	case errors.Is(err, gate.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, CodeCapacityExceeded, "too many concurrent requests, retry later")
	case errors.Is(err, booking.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "the service is shutting down")
	case errors.Is(err, gate.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "the operation did not complete in time; its outcome is unknown")
	default:
		log.Printf("Unexpected error: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}

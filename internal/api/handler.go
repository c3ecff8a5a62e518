package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/model"
	"github.com/uma-arai/sbcntr-booking/internal/service/booking"
)

const maxBodyBytes = 1 << 20

// BookingService はAPIが呼び出すサービスです
type BookingService interface {
	Create(ctx context.Context, req booking.CreateRequest) (*model.Reservation, error)
	List(ctx context.Context, rangeStart, rangeEnd string) ([]model.Reservation, error)
	Delete(ctx context.Context, id string) (*model.Reservation, error)
	GateStats() gate.Stats
	UpdateGate(update gate.ConfigUpdate) (gate.Config, error)
	Ping(ctx context.Context) error
}

// Handler は予約APIのハンドラーです
type Handler struct {
	service BookingService
}

func NewHandler(service BookingService) *Handler {
	return &Handler{service: service}
}

// readJSON はリクエストボディを読み込みます。未知のフィールドは拒否します
func readJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// CreateBooking は POST /api/v1/bookings を処理します
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadJSON, err.Error())
		return
	}

	reservation, err := h.service.Create(r.Context(), booking.CreateRequest{
		OwnerID:    req.OwnerID,
		ResourceID: req.ResourceID,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBookingResponse(*reservation))
}

// ListBookings は GET /api/v1/bookings を処理します
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	reservations, err := h.service.List(r.Context(), query.Get("rangeStart"), query.Get("rangeEnd"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingResponses(reservations))
}

// DeleteBooking は DELETE /api/v1/bookings/{id} を処理します
func (h *Handler) DeleteBooking(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetGate は GET /api/v1/gate を処理します
func (h *Handler) GetGate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.GateStats())
}

// UpdateGate は PATCH /api/v1/gate を処理します
func (h *Handler) UpdateGate(w http.ResponseWriter, r *http.Request) {
	var req GateUpdateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadJSON, err.Error())
		return
	}
	if req.empty() {
		writeError(w, http.StatusBadRequest, CodeValidation, "maxConcurrent or timeoutMs is required")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	if _, err := h.service.UpdateGate(gate.ConfigUpdate{
		MaxConcurrent: req.MaxConcurrent,
		Timeout:       req.timeout(),
	}); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.GateStats())
}

// Healthz はプロセスが動いていれば常に200を返します
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz は保存先に接続できる場合に200を返します
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

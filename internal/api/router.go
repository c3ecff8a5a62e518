// Package api は予約サービスのHTTPインターフェースです。
package api

import (
	"net/http"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter はルーティングを設定したハンドラーを返します
// tracingがtrueの場合、リクエストごとにX-Rayのセグメントを作成します
func NewRouter(service BookingService, segmentName string, tracing bool) http.Handler {
	h := NewHandler(service)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/bookings", func(bookings chi.Router) {
			bookings.Post("/", h.CreateBooking)
			bookings.Get("/", h.ListBookings)
			bookings.Delete("/{id}", h.DeleteBooking)
		})

		api.Get("/gate", h.GetGate)
		api.Patch("/gate", h.UpdateGate)
	})

	if !tracing {
		return r
	}
	return xray.Handler(xray.NewFixedSegmentNamer(segmentName), r)
}

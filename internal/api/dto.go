package api

import (
	"fmt"
	"math"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/model"
)

// BookingRequest は予約作成のリクエストボディです
type BookingRequest struct {
	OwnerID    string `json:"ownerId"`
	ResourceID string `json:"resourceId"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

// BookingResponse は外部に返す予約です
// 作成日時とミラーの参照は内部専用のため含めません
type BookingResponse struct {
	ID         string `json:"id"`
	OwnerID    string `json:"ownerId"`
	ResourceID string `json:"resourceId"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func newBookingResponse(r model.Reservation) BookingResponse {
	return BookingResponse{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		ResourceID: r.ResourceID,
		StartTime:  r.Start.UTC().Format(timestampLayout),
		EndTime:    r.End.UTC().Format(timestampLayout),
	}
}

func newBookingResponses(reservations []model.Reservation) []BookingResponse {
	out := make([]BookingResponse, 0, len(reservations))
	for _, r := range reservations {
		out = append(out, newBookingResponse(r))
	}
	return out
}

// GateUpdateRequest はゲート設定の変更リクエストです。省略した項目は変更しません
type GateUpdateRequest struct {
	MaxConcurrent *int   `json:"maxConcurrent"`
	TimeoutMs     *int64 `json:"timeoutMs"`
}

func (req GateUpdateRequest) empty() bool {
	return req.MaxConcurrent == nil && req.TimeoutMs == nil
}

// maxTimeoutMs はtime.Durationで表せるミリ秒の上限です
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// validate はミリ秒からDurationへの変換が桁あふれしないかを確認します
// 負の値の検証はゲートに任せます
func (req GateUpdateRequest) validate() error {
	if req.TimeoutMs != nil && (*req.TimeoutMs > maxTimeoutMs || *req.TimeoutMs < -maxTimeoutMs) {
		return fmt.Errorf("timeoutMs must be <= %d, got %d", maxTimeoutMs, *req.TimeoutMs)
	}
	return nil
}

func (req GateUpdateRequest) timeout() *time.Duration {
	if req.TimeoutMs == nil {
		return nil
	}
	d := time.Duration(*req.TimeoutMs) * time.Millisecond
	return &d
}

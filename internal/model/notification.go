package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType は通知の種類を表します
type NotificationType string

const (
	// NotificationTypeReserved はリソースが占有されたことを表します
	NotificationTypeReserved NotificationType = "reservation.created"
	// NotificationTypeReleased は予約の削除によりリソースが解放されたことを表します
	NotificationTypeReleased NotificationType = "reservation.released"
	// NotificationTypeLoad はゲートの負荷レポートを表します
	NotificationTypeLoad NotificationType = "service.load"
)

// Notification はブロードキャストされる通知の定義です
type Notification struct {
	Type      NotificationType `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Data      interface{}      `json:"data"`
}

// NewReservationNotification は予約イベントから通知を作成します
func NewReservationNotification(notificationType NotificationType, event ReservationEvent, now time.Time) Notification {
	return Notification{
		Type:      notificationType,
		CreatedAt: now,
		Data:      event,
	}
}

// Payload は通知をブロードキャスト用のJSONに変換します
func (n Notification) Payload() ([]byte, error) {
	if n.Type == "" {
		return nil, fmt.Errorf("notification type is empty")
	}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return b, nil
}

// DedupKey はブロードキャストの重複排除キーを返します
// 同じ予約・同じ種類の通知は同じキーになります
func DedupKey(reservationID string, notificationType NotificationType) string {
	return reservationID + ":" + string(notificationType)
}

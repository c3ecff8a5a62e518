package model

import "time"

// Reservation は確定済みの予約を表すドメインモデルです
// CreatedAt と MirrorRef は内部専用で、外部への応答には含めません
type Reservation struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	OwnerID    string    `json:"owner_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	CreatedAt  time.Time `json:"created_at"`
	// MirrorRef は外部カレンダーに作成したイベントの参照です。伝播が成功するまで空です
	MirrorRef string `json:"mirror_ref,omitempty"`
}

// Interval は予約が占める半開区間 [Start, End) を返します
func (r Reservation) Interval() Interval {
	return Interval{Start: r.Start, End: r.End}
}

// Interval は半開区間 [Start, End) です
type Interval struct {
	Start time.Time
	End   time.Time
}

// Valid は Start < End を満たすかを返します
func (i Interval) Valid() bool {
	return i.Start.Before(i.End)
}

// Overlaps は2つの半開区間が重なるかを判定します
// 境界が一致するだけ (e1 == s2) の場合は重ならないものとして扱います
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// ReservationRequest は予約作成の検証済み入力です
type ReservationRequest struct {
	ResourceID string
	OwnerID    string
	Interval   Interval
}

// ReservationEvent は予約の確定・解放時にブロードキャストされるイベントの構造体
type ReservationEvent struct {
	ReservationID string    `json:"reservation_id"`
	ResourceID    string    `json:"resource_id"`
	OwnerID       string    `json:"owner_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// NewReservationEvent は予約からイベントを作成します
func NewReservationEvent(r Reservation) ReservationEvent {
	return ReservationEvent{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		OwnerID:       r.OwnerID,
		Start:         r.Start,
		End:           r.End,
	}
}

package models

import (
	"database/sql"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/model"
)

// Reservation は reservations テーブルの行を表す構造体です
type Reservation struct {
	ReservationID string         `db:"id"`
	ResourceID    string         `db:"resource_id"`
	OwnerID       string         `db:"owner_id"`
	StartTime     time.Time      `db:"start_time"`
	EndTime       time.Time      `db:"end_time"`
	CreatedAt     time.Time      `db:"created_at"`
	MirrorRef     sql.NullString `db:"mirror_ref"`
}

// FromModel はドメインモデルから行を作成します
func FromModel(r model.Reservation) Reservation {
	return Reservation{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		OwnerID:       r.OwnerID,
		StartTime:     r.Start.UTC(),
		EndTime:       r.End.UTC(),
		CreatedAt:     r.CreatedAt.UTC(),
		MirrorRef:     sql.NullString{String: r.MirrorRef, Valid: r.MirrorRef != ""},
	}
}

// ToModel は行をドメインモデルに変換します
func (r Reservation) ToModel() model.Reservation {
	return model.Reservation{
		ID:         r.ReservationID,
		ResourceID: r.ResourceID,
		OwnerID:    r.OwnerID,
		Start:      r.StartTime.UTC(),
		End:        r.EndTime.UTC(),
		CreatedAt:  r.CreatedAt.UTC(),
		MirrorRef:  r.MirrorRef.String,
	}
}

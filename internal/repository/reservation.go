package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/sbcntr-booking/internal/common/models"
	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
	"github.com/uma-arai/sbcntr-booking/internal/model"
)

var (
	// ErrConflict は同じリソースに重なる予約が既に存在する場合に返されます
	// どの予約と衝突したかは含みません
	ErrConflict = errors.New("reservation conflicts with an existing reservation")
	// ErrNotFound は指定したIDの予約が存在しない場合に返されます
	ErrNotFound = errors.New("reservation not found")
)

// ReservationRepository は確定済み予約の唯一の保存先です
// 同じリソースに対する TryReserve は直列化され、重なる予約が2つ確定することはありません
type ReservationRepository interface {
	// TryReserve は重なりの確認と登録を1つのアトミックな操作として行います
	TryReserve(ctx context.Context, req model.ReservationRequest) (*model.Reservation, error)
	// List は開始時刻の昇順で予約を返します。withinがnilでない場合は重なる予約だけを返します
	List(ctx context.Context, within *model.Interval) ([]model.Reservation, error)
	Get(ctx context.Context, id string) (*model.Reservation, error)
	Remove(ctx context.Context, id string) (*model.Reservation, error)
	SetMirrorRef(ctx context.Context, id string, ref string) error
	// ListUnmirrored は endAfter より後に終わる、外部カレンダー未連携の予約を返します
	ListUnmirrored(ctx context.Context, endAfter time.Time) ([]model.Reservation, error)
	Ping(ctx context.Context) error
}

const reservationColumns = `id, resource_id, owner_id, start_time, end_time, created_at, mirror_ref`

// ReservationRepositoryImpl はPostgresを使ったReservationRepositoryの実装です
type ReservationRepositoryImpl struct {
	db    *DB
	now   func() time.Time
	newID func() string
}

func NewReservationRepository(db *DB) *ReservationRepositoryImpl {
	return &ReservationRepositoryImpl{
		db:    db,
		now:   time.Now,
		newID: newReservationID,
	}
}

// newReservationID は時刻順に並ぶUUIDv7を生成します
func newReservationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// TryReserve は予約を登録します
// リソースごとのアドバイザリロックをトランザクション内で取得するため、
// 異なるリソースへの予約は互いにブロックしません
func (r *ReservationRepositoryImpl) TryReserve(ctx context.Context, req model.ReservationRequest) (_ *model.Reservation, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.TryReserve")
	defer func() { end(err) }()

	if !req.Interval.Valid() {
		return nil, fmt.Errorf("invalid interval [%s, %s)", req.Interval.Start, req.Interval.End)
	}

	reservation := model.Reservation{
		ID:         r.newID(),
		ResourceID: req.ResourceID,
		OwnerID:    req.OwnerID,
		Start:      req.Interval.Start.UTC(),
		End:        req.Interval.End.UTC(),
		CreatedAt:  r.now().UTC(),
	}
	row := models.FromModel(reservation)

	err = r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.ResourceID); err != nil {
			return fmt.Errorf("failed to lock resource %s: %w", req.ResourceID, err)
		}

		query := `
			SELECT EXISTS (
				SELECT 1
				FROM reservations
				WHERE resource_id = $1
				AND start_time < $3
				AND $2 < end_time
			)
		`

		var exists bool
		if err := tx.QueryRowxContext(ctx, query, row.ResourceID, row.StartTime, row.EndTime).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check overlapping reservations: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: resource %s", ErrConflict, req.ResourceID)
		}

		insert := `
			INSERT INTO reservations (
				id,
				resource_id,
				owner_id,
				start_time,
				end_time,
				created_at,
				mirror_ref
			) VALUES (
				:id,
				:resource_id,
				:owner_id,
				:start_time,
				:end_time,
				:created_at,
				:mirror_ref
			)
		`
		if _, err := tx.NamedExecContext(ctx, insert, row); err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &reservation, nil
}

// List は予約を開始時刻の昇順で取得します
func (r *ReservationRepositoryImpl) List(ctx context.Context, within *model.Interval) (_ []model.Reservation, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.List")
	defer func() { end(err) }()

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	var args []interface{}
	if within != nil {
		query += ` WHERE start_time < $2 AND $1 < end_time`
		args = append(args, within.Start.UTC(), within.End.UTC())
	}
	query += ` ORDER BY start_time ASC, id ASC`

	var rows []models.Reservation
	if err = r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	return toModels(rows), nil
}

// Get は指定されたIDの予約を取得します
func (r *ReservationRepositoryImpl) Get(ctx context.Context, id string) (_ *model.Reservation, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.Get")
	defer func() { end(err) }()

	var row models.Reservation
	err = r.db.GetContext(ctx, &row, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation %s: %w", id, err)
	}

	reservation := row.ToModel()
	return &reservation, nil
}

// Remove は予約を削除し、削除した予約を返します
func (r *ReservationRepositoryImpl) Remove(ctx context.Context, id string) (_ *model.Reservation, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.Remove")
	defer func() { end(err) }()

	query := `DELETE FROM reservations WHERE id = $1 RETURNING ` + reservationColumns

	var row models.Reservation
	err = r.db.QueryRowxContext(ctx, query, id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete reservation %s: %w", id, err)
	}

	reservation := row.ToModel()
	return &reservation, nil
}

// SetMirrorRef は外部カレンダーのイベント参照を予約に記録します
func (r *ReservationRepositoryImpl) SetMirrorRef(ctx context.Context, id string, ref string) (err error) {
	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.SetMirrorRef")
	defer func() { end(err) }()

	result, err := r.db.ExecContext(ctx, `UPDATE reservations SET mirror_ref = $1 WHERE id = $2`, ref, id)
	if err != nil {
		return fmt.Errorf("failed to update mirror_ref: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// ListUnmirrored は外部カレンダーへの連携が済んでいない予約を取得します
func (r *ReservationRepositoryImpl) ListUnmirrored(ctx context.Context, endAfter time.Time) (_ []model.Reservation, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.ListUnmirrored")
	defer func() { end(err) }()

	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE mirror_ref IS NULL
		AND end_time > $1
		ORDER BY start_time ASC, id ASC
	`

	var rows []models.Reservation
	if err = r.db.SelectContext(ctx, &rows, query, endAfter.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list unmirrored reservations: %w", err)
	}

	return toModels(rows), nil
}

// Ping はDBへの疎通を確認します
func (r *ReservationRepositoryImpl) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func toModels(rows []models.Reservation) []model.Reservation {
	reservations := make([]model.Reservation, 0, len(rows))
	for _, row := range rows {
		reservations = append(reservations, row.ToModel())
	}
	return reservations
}

package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
)

// DeliveryRepository は予約ごとのブロードキャスト配信を記録する台帳です
// 送信前に Claim で配信権を確保し、送信に失敗した場合は Release で手放します
// 同じ通知を並行して送ろうとしても Claim に成功するのは1つだけです
type DeliveryRepository interface {
	Claim(ctx context.Context, reservationID string, kind string) (bool, error)
	Release(ctx context.Context, reservationID string, kind string) error
}

// DeliveryRepositoryImpl はPostgresを使ったDeliveryRepositoryの実装です
type DeliveryRepositoryImpl struct {
	db  *DB
	now func() time.Time
}

func NewDeliveryRepository(db *DB) *DeliveryRepositoryImpl {
	return &DeliveryRepositoryImpl{db: db, now: time.Now}
}

// Claim は台帳に行を挿入し、挿入できた場合にtrueを返します
// 既に記録済みの場合はfalseを返します
func (r *DeliveryRepositoryImpl) Claim(ctx context.Context, reservationID string, kind string) (_ bool, err error) {
	ctx, end := utils.BeginSubsegment(ctx, "DeliveryRepository.Claim")
	defer func() { end(err) }()

	query := `
		INSERT INTO propagation_deliveries (reservation_id, kind, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (reservation_id, kind) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query, reservationID, kind, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected == 1, nil
}

// Release は確保した配信権を削除し、次の再配信で送信できるようにします
func (r *DeliveryRepositoryImpl) Release(ctx context.Context, reservationID string, kind string) (err error) {
	ctx, end := utils.BeginSubsegment(ctx, "DeliveryRepository.Release")
	defer func() { end(err) }()

	query := `
		DELETE FROM propagation_deliveries
		WHERE reservation_id = $1
		AND kind = $2
	`

	if _, err = r.db.ExecContext(ctx, query, reservationID, kind); err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	return nil
}

// MemoryDeliveryRepository はインメモリのDeliveryRepositoryです
type MemoryDeliveryRepository struct {
	mu        sync.Mutex
	delivered map[string]struct{}
}

func NewMemoryDeliveryRepository() *MemoryDeliveryRepository {
	return &MemoryDeliveryRepository{delivered: make(map[string]struct{})}
}

func (m *MemoryDeliveryRepository) Claim(_ context.Context, reservationID string, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := reservationID + "\x00" + kind
	if _, ok := m.delivered[key]; ok {
		return false, nil
	}
	m.delivered[key] = struct{}{}
	return true, nil
}

func (m *MemoryDeliveryRepository) Release(_ context.Context, reservationID string, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.delivered, reservationID+"\x00"+kind)
	return nil
}

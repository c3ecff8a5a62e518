package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/model"
)

// resourceShard は1つのリソースの予約を保持します
// 重なりの確認と登録はこのシャードのロック内で行います
type resourceShard struct {
	mu           sync.Mutex
	reservations map[string]*model.Reservation
}

// MemoryReservationRepository はインメモリのReservationRepositoryです
// ロックはリソース単位で、異なるリソースへの操作は互いにブロックしません
type MemoryReservationRepository struct {
	shardsMu sync.RWMutex
	shards   map[string]*resourceShard // resource id -> shard

	indexMu sync.RWMutex
	index   map[string]string // reservation id -> resource id

	now   func() time.Time
	newID func() string
}

func NewMemoryReservationRepository() *MemoryReservationRepository {
	return &MemoryReservationRepository{
		shards: make(map[string]*resourceShard),
		index:  make(map[string]string),
		now:    time.Now,
		newID:  newReservationID,
	}
}

// shard はリソースのシャードを返します。存在しない場合は作成します
func (m *MemoryReservationRepository) shard(resourceID string) *resourceShard {
	m.shardsMu.RLock()
	s, ok := m.shards[resourceID]
	m.shardsMu.RUnlock()
	if ok {
		return s
	}

	m.shardsMu.Lock()
	defer m.shardsMu.Unlock()
	if s, ok := m.shards[resourceID]; ok {
		return s
	}
	s = &resourceShard{reservations: make(map[string]*model.Reservation)}
	m.shards[resourceID] = s
	return s
}

// shardFor は予約IDからシャードを引きます
func (m *MemoryReservationRepository) shardFor(id string) (*resourceShard, bool) {
	m.indexMu.RLock()
	resourceID, ok := m.index[id]
	m.indexMu.RUnlock()
	if !ok {
		return nil, false
	}

	m.shardsMu.RLock()
	defer m.shardsMu.RUnlock()
	s, ok := m.shards[resourceID]
	return s, ok
}

func (m *MemoryReservationRepository) TryReserve(ctx context.Context, req model.ReservationRequest) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Interval.Valid() {
		return nil, fmt.Errorf("invalid interval [%s, %s)", req.Interval.Start, req.Interval.End)
	}

	s := m.shard(req.ResourceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.reservations {
		if existing.Interval().Overlaps(req.Interval) {
			return nil, fmt.Errorf("%w: resource %s", ErrConflict, req.ResourceID)
		}
	}

	reservation := &model.Reservation{
		ID:         m.newID(),
		ResourceID: req.ResourceID,
		OwnerID:    req.OwnerID,
		Start:      req.Interval.Start.UTC(),
		End:        req.Interval.End.UTC(),
		CreatedAt:  m.now().UTC(),
	}
	s.reservations[reservation.ID] = reservation

	m.indexMu.Lock()
	m.index[reservation.ID] = reservation.ResourceID
	m.indexMu.Unlock()

	result := *reservation
	return &result, nil
}

func (m *MemoryReservationRepository) List(ctx context.Context, within *model.Interval) ([]model.Reservation, error) {
	return m.collect(ctx, func(r *model.Reservation) bool {
		return within == nil || r.Interval().Overlaps(*within)
	})
}

func (m *MemoryReservationRepository) ListUnmirrored(ctx context.Context, endAfter time.Time) ([]model.Reservation, error) {
	return m.collect(ctx, func(r *model.Reservation) bool {
		return r.MirrorRef == "" && r.End.After(endAfter)
	})
}

// collect は条件に合う予約のコピーを開始時刻の昇順で返します
func (m *MemoryReservationRepository) collect(ctx context.Context, match func(*model.Reservation) bool) ([]model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.shardsMu.RLock()
	shards := make([]*resourceShard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	m.shardsMu.RUnlock()

	result := make([]model.Reservation, 0)
	for _, s := range shards {
		s.mu.Lock()
		for _, r := range s.reservations {
			if match(r) {
				result = append(result, *r)
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Start.Equal(result[j].Start) {
			return result[i].Start.Before(result[j].Start)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryReservationRepository) Get(ctx context.Context, id string) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, ok := m.shardFor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result := *r
	return &result, nil
}

func (m *MemoryReservationRepository) Remove(ctx context.Context, id string) (*model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, ok := m.shardFor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	r, ok := s.reservations[id]
	if ok {
		delete(s.reservations, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.indexMu.Lock()
	delete(m.index, id)
	m.indexMu.Unlock()

	return r, nil
}

func (m *MemoryReservationRepository) SetMirrorRef(ctx context.Context, id string, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s, ok := m.shardFor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.MirrorRef = ref
	return nil
}

func (m *MemoryReservationRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Package booking は予約の作成・一覧・削除を受け付けるサービスです。
//
// 状態を変更する操作はゲートを通して実行し、確定後の外部連携は応答とは独立して
// バックグラウンドで行います。
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/model"
	"github.com/uma-arai/sbcntr-booking/internal/repository"
)

// ErrShuttingDown は停止処理中のため新しい操作を受け付けないことを表します
var ErrShuttingDown = errors.New("service is shutting down")

// Propagator は確定・削除後の副作用を実行します
type Propagator interface {
	OnCreated(ctx context.Context, r model.Reservation)
	OnDeleted(ctx context.Context, r model.Reservation)
}

// ValidationError は入力が不正であることを表します
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CreateRequest は予約作成の入力です。時刻はISO-8601形式の文字列です
type CreateRequest struct {
	OwnerID    string
	ResourceID string
	StartTime  string
	EndTime    string
}

// Service は予約のオーケストレーターです
type Service struct {
	gate       *gate.Gate
	repo       repository.ReservationRepository
	propagator Propagator

	// 実行中のゲート内の操作と伝播
	// closedの後はwgを増やさないため、Waitの後に新しい操作を受け付けません
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewService は新しいServiceを作成します
func NewService(g *gate.Gate, repo repository.ReservationRepository, propagator Propagator) *Service {
	return &Service{
		gate:       g,
		repo:       repo,
		propagator: propagator,
	}
}

// Create は予約を作成します
//
// 入力の検証と重なりの確認・登録はゲートの中で行います。確定した予約の伝播は、
// 呼び出し元がタイムアウトで先に戻った場合でも確定後に必ず1回だけ開始されます。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Reservation, error) {
	return s.do(ctx, func(ctx context.Context) (*model.Reservation, error) {
		reservationReq, err := req.validate()
		if err != nil {
			return nil, err
		}

		r, err := s.repo.TryReserve(ctx, reservationReq)
		if err != nil {
			return nil, err
		}

		committed := *r
		s.dispatch("booking-propagation-created", func(ctx context.Context) {
			s.propagator.OnCreated(ctx, committed)
		})
		return r, nil
	})
}

// List は予約を開始時刻の昇順で返します。ゲートは通しません
// rangeStart と rangeEnd は両方指定するか、両方省略します
func (s *Service) List(ctx context.Context, rangeStart, rangeEnd string) ([]model.Reservation, error) {
	within, err := parseRange(rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}
	return s.repo.List(ctx, within)
}

// Delete は予約を削除し、削除した予約を返します
func (s *Service) Delete(ctx context.Context, id string) (*model.Reservation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}

	return s.do(ctx, func(ctx context.Context) (*model.Reservation, error) {
		r, err := s.repo.Remove(ctx, id)
		if err != nil {
			return nil, err
		}

		removed := *r
		s.dispatch("booking-propagation-deleted", func(ctx context.Context) {
			s.propagator.OnDeleted(ctx, removed)
		})
		return r, nil
	})
}

// GateStats はゲートの状態を返します
func (s *Service) GateStats() gate.Stats {
	return s.gate.Stats()
}

// UpdateGate はゲートの設定を変更します
func (s *Service) UpdateGate(update gate.ConfigUpdate) (gate.Config, error) {
	return s.gate.UpdateConfig(update)
}

// Ping は保存先に接続できるかを確認します
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Wait は新しい操作の受付を止め、実行中の操作とその伝播がすべて終わるか、ctxが終わるまで待ちます
// タイムアウトで呼び出し元に先に戻った操作も、確定後の伝播まで含めて待ちます
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do はfnをゲートを通して実行し、fnが終わるまでWaitの対象にします
// ゲートがタイムアウトで先に戻っても、fnとその中で開始した伝播はWaitで待たれます
func (s *Service) do(ctx context.Context, fn func(ctx context.Context) (*model.Reservation, error)) (*model.Reservation, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	var once sync.Once
	finish := func() { once.Do(s.wg.Done) }

	r, err := gate.Do(ctx, s.gate, func(ctx context.Context) (*model.Reservation, error) {
		defer finish()
		return fn(ctx)
	})
	// 受け付けられなかった場合fnは実行されない
	if errors.Is(err, gate.ErrCapacityExceeded) {
		finish()
	}
	return r, err
}

// dispatch は伝播をバックグラウンドで実行します
// ゲート内の操作から呼び出すため、wgが0の状態でAddすることはありません
// リクエストのcontextとは切り離し、リクエストが終わっても中断されません
func (s *Service) dispatch(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Propagation %s panicked: %v", name, utils.RecoveredError(r))
			}
		}()

		ctx, end := utils.BeginSegment(context.Background(), name)
		defer end(nil)
		fn(ctx)
	}()
}

// validate は入力を検証し、ストアに渡す形に変換します
func (req CreateRequest) validate() (model.ReservationRequest, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return model.ReservationRequest{}, &ValidationError{Field: "ownerId", Reason: "is required"}
	}
	resourceID := strings.TrimSpace(req.ResourceID)
	if resourceID == "" {
		return model.ReservationRequest{}, &ValidationError{Field: "resourceId", Reason: "is required"}
	}

	start, err := parseTimestamp("startTime", req.StartTime)
	if err != nil {
		return model.ReservationRequest{}, err
	}
	end, err := parseTimestamp("endTime", req.EndTime)
	if err != nil {
		return model.ReservationRequest{}, err
	}

	interval := model.Interval{Start: start, End: end}
	if !interval.Valid() {
		return model.ReservationRequest{}, &ValidationError{Field: "endTime", Reason: "must be after startTime"}
	}

	return model.ReservationRequest{
		ResourceID: resourceID,
		OwnerID:    ownerID,
		Interval:   interval,
	}, nil
}

func parseRange(rangeStart, rangeEnd string) (*model.Interval, error) {
	rangeStart = strings.TrimSpace(rangeStart)
	rangeEnd = strings.TrimSpace(rangeEnd)

	switch {
	case rangeStart == "" && rangeEnd == "":
		return nil, nil
	case rangeStart == "":
		return nil, &ValidationError{Field: "rangeStart", Reason: "is required when rangeEnd is given"}
	case rangeEnd == "":
		return nil, &ValidationError{Field: "rangeEnd", Reason: "is required when rangeStart is given"}
	}

	start, err := parseTimestamp("rangeStart", rangeStart)
	if err != nil {
		return nil, err
	}
	end, err := parseTimestamp("rangeEnd", rangeEnd)
	if err != nil {
		return nil, err
	}

	within := model.Interval{Start: start, End: end}
	if !within.Valid() {
		return nil, &ValidationError{Field: "rangeEnd", Reason: "must be after rangeStart"}
	}
	return &within, nil
}

// タイムゾーンを含まない時刻はUTCとして扱います
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// parseTimestamp はISO-8601の時刻をミリ秒精度のUTCに変換します
func parseTimestamp(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, &ValidationError{Field: field, Reason: "is required"}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Truncate(time.Millisecond), nil
		}
	}
	return time.Time{}, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a valid ISO-8601 timestamp", value)}
}

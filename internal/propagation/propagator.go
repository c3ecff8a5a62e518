// Package propagation は確定済みの予約に付随する外部への副作用を扱います。
//
// 外部カレンダーへのミラーとブロードキャスト通知はどちらもベストエフォートです。
// 失敗はログに残すだけで、確定済みの予約や呼び出し元への応答には影響しません。
package propagation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
	"github.com/uma-arai/sbcntr-booking/internal/model"
	"github.com/uma-arai/sbcntr-booking/internal/repository"
)

// 伝播の各ステップ名
const (
	StepMirror    = "mirror"
	StepAttach    = "attach"
	StepUnmirror  = "unmirror"
	StepBroadcast = "broadcast"
	StepLedger    = "ledger"
)

// CalendarClient は外部カレンダーへのミラーを作成・削除します
type CalendarClient interface {
	// CreateEvent はイベントを作成し、その参照を返します
	// 同じ予約で再度呼ばれた場合も重複を作らず、既存の参照を返します
	CreateEvent(ctx context.Context, event CalendarEvent) (string, error)
	DeleteEvent(ctx context.Context, ref string) error
}

// Message はブロードキャストする1件のメッセージです
type Message struct {
	Topic   string
	Payload []byte
	// DedupKey が同じメッセージは重複として扱われます。空の場合は重複排除しません
	DedupKey string
	// GroupKey が同じメッセージは順序が保たれます
	GroupKey string
}

// Publisher はメッセージをブロードキャストします
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// MirrorRecorder はミラーの参照を予約に記録します
type MirrorRecorder interface {
	SetMirrorRef(ctx context.Context, id string, ref string) error
}

// PropagationError は伝播のどのステップで失敗したかを表します
type PropagationError struct {
	Step          string
	ReservationID string
	Err           error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagation: %s failed for reservation %s: %v", e.Step, e.ReservationID, e.Err)
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

// Config は Propagator の外部連携先です。nilの連携先は無効として扱います
type Config struct {
	Calendar  CalendarClient
	Publisher Publisher
	// Topic はブロードキャスト先の論理トピック名です
	Topic string
	// Timeout は1回の伝播全体の制限時間です。0の場合は制限しません
	Timeout time.Duration
}

// Propagator は予約の確定・削除に伴う副作用を実行します
type Propagator struct {
	calendar   CalendarClient
	publisher  Publisher
	mirrors    MirrorRecorder
	deliveries repository.DeliveryRepository
	topic      string
	timeout    time.Duration
	now        func() time.Time
}

// NewPropagator は新しいPropagatorを作成します
// deliveriesがnilの場合、ブロードキャストの二重送信は検知しません
func NewPropagator(mirrors MirrorRecorder, deliveries repository.DeliveryRepository, cfg Config) *Propagator {
	return &Propagator{
		calendar:   cfg.Calendar,
		publisher:  cfg.Publisher,
		mirrors:    mirrors,
		deliveries: deliveries,
		topic:      cfg.Topic,
		timeout:    cfg.Timeout,
		now:        time.Now,
	}
}

// OnCreated は予約の確定後に呼び出され、ミラーの作成と確定通知を行います
// 失敗はログに残して握りつぶします
func (p *Propagator) OnCreated(ctx context.Context, r model.Reservation) {
	_ = p.PropagateCreated(ctx, r)
}

// OnDeleted は予約の削除後に呼び出され、ミラーの削除と解放通知を行います
// 失敗はログに残して握りつぶします
func (p *Propagator) OnDeleted(ctx context.Context, r model.Reservation) {
	_ = p.PropagateDeleted(ctx, r)
}

// PropagateCreated は OnCreated と同じ処理を行い、失敗したステップをまとめて返します
// 再配信のバッチから呼ばれても、ミラーと通知は予約IDをキーにして重複しません
func (p *Propagator) PropagateCreated(ctx context.Context, r model.Reservation) (err error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	ctx, end := utils.BeginSubsegment(ctx, "Propagator.OnCreated")
	defer func() { end(err) }()
	utils.AddMetadata(ctx, "reservation_id", r.ID)

	return errors.Join(
		p.report(p.mirror(ctx, r)),
		p.report(p.broadcast(ctx, r, model.NotificationTypeReserved)),
	)
}

// PropagateDeleted は OnDeleted と同じ処理を行い、失敗したステップをまとめて返します
func (p *Propagator) PropagateDeleted(ctx context.Context, r model.Reservation) (err error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	ctx, end := utils.BeginSubsegment(ctx, "Propagator.OnDeleted")
	defer func() { end(err) }()
	utils.AddMetadata(ctx, "reservation_id", r.ID)

	return errors.Join(
		p.report(p.unmirror(ctx, r)),
		p.report(p.broadcast(ctx, r, model.NotificationTypeReleased)),
	)
}

func (p *Propagator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout > 0 {
		return context.WithTimeout(ctx, p.timeout)
	}
	return context.WithCancel(ctx)
}

// report は失敗をログに残し、そのまま返します
func (p *Propagator) report(err error) error {
	if err != nil {
		log.Println(err.Error())
	}
	return err
}

// mirror は外部カレンダーにイベントを作成し、その参照を予約に記録します
func (p *Propagator) mirror(ctx context.Context, r model.Reservation) error {
	if p.calendar == nil {
		return nil
	}
	if r.MirrorRef != "" {
		// 既にミラー済み
		return nil
	}

	ref, err := p.calendar.CreateEvent(ctx, NewCalendarEvent(r))
	if err != nil {
		return &PropagationError{Step: StepMirror, ReservationID: r.ID, Err: err}
	}

	if err := p.mirrors.SetMirrorRef(ctx, r.ID, ref); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 伝播中に予約が削除された場合、作成したミラーを残さない
			if delErr := p.calendar.DeleteEvent(ctx, ref); delErr != nil {
				err = errors.Join(err, delErr)
			}
		}
		return &PropagationError{Step: StepAttach, ReservationID: r.ID, Err: err}
	}

	log.Printf("Mirrored reservation %s as calendar event %s", r.ID, ref)
	return nil
}

// unmirror は予約に記録されたミラーを削除します
func (p *Propagator) unmirror(ctx context.Context, r model.Reservation) error {
	if p.calendar == nil || r.MirrorRef == "" {
		return nil
	}
	if err := p.calendar.DeleteEvent(ctx, r.MirrorRef); err != nil {
		return &PropagationError{Step: StepUnmirror, ReservationID: r.ID, Err: err}
	}
	return nil
}

// broadcast は予約の通知を送信します
// 送信前に台帳で配信権を確保し、確保できなかった通知は送信しません
// 台帳を使えない場合は重複を許して送信します。送信に失敗した場合は配信権を手放します
func (p *Propagator) broadcast(ctx context.Context, r model.Reservation, notificationType model.NotificationType) error {
	if p.publisher == nil {
		return nil
	}

	kind := string(notificationType)
	var ledgerErr error
	claimed := false
	if p.deliveries != nil {
		ok, err := p.deliveries.Claim(ctx, r.ID, kind)
		switch {
		case err != nil:
			log.Printf("Failed to claim delivery for reservation %s: %v", r.ID, err)
			ledgerErr = &PropagationError{Step: StepLedger, ReservationID: r.ID, Err: err}
		case !ok:
			return nil
		default:
			claimed = true
		}
	}

	if err := p.publish(ctx, r, notificationType); err != nil {
		perr := error(&PropagationError{Step: StepBroadcast, ReservationID: r.ID, Err: err})
		if claimed {
			if relErr := p.deliveries.Release(ctx, r.ID, kind); relErr != nil {
				perr = errors.Join(perr, &PropagationError{Step: StepLedger, ReservationID: r.ID, Err: relErr})
			}
		}
		return perr
	}
	return ledgerErr
}

func (p *Propagator) publish(ctx context.Context, r model.Reservation, notificationType model.NotificationType) error {
	notification := model.NewReservationNotification(notificationType, model.NewReservationEvent(r), p.now().UTC())
	payload, err := notification.Payload()
	if err != nil {
		return err
	}

	return p.publisher.Publish(ctx, Message{
		Topic:    p.topic,
		Payload:  payload,
		DedupKey: model.DedupKey(r.ID, notificationType),
		GroupKey: r.ResourceID,
	})
}

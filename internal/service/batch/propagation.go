package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/uma-arai/sbcntr-booking/internal/common/config"
	"github.com/uma-arai/sbcntr-booking/internal/common/database"
	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/model"
	"github.com/uma-arai/sbcntr-booking/internal/propagation"
	"github.com/uma-arai/sbcntr-booking/internal/repository"
)

// SFNAPI はバッチがStep Functionsに結果を通知するためのメソッドです
type SFNAPI interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
}

// Replayer は確定済みの予約の伝播をやり直します
type Replayer interface {
	PropagateCreated(ctx context.Context, r model.Reservation) error
}

// Summary はバッチの実行結果です
type Summary struct {
	Total      int      `json:"total"`
	Propagated int      `json:"propagated"`
	Failed     int      `json:"failed"`
	FailedIDs  []string `json:"failed_ids,omitempty"`
}

// PropagationBatchService は外部カレンダーに未連携の予約の伝播を再実行します
// 伝播は予約IDで冪等なので、同じ予約を何度処理しても重複しません
type PropagationBatchService struct {
	db              *database.DB
	reservationRepo repository.ReservationRepository
	propagator      Replayer
	gate            *gate.Gate
	sfnClient       SFNAPI
	cfg             *config.Config
	now             func() time.Time
}

// NewPropagationBatchService は新しいPropagationBatchServiceを作成します
// 1件ごとの伝播はゲートを通し、同時実行数は BATCH_CONCURRENCY、制限時間は timeout になります
func NewPropagationBatchService(cfg *config.Config, sfnClient SFNAPI, snsClient propagation.SNSAPI, httpClient *http.Client, timeout time.Duration) (*PropagationBatchService, error) {
	db, err := database.NewDB(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	repoDB := repository.NewDB(db.DB)
	reservationRepo := repository.NewReservationRepository(repoDB)
	propagator := propagation.NewPropagator(
		reservationRepo,
		repository.NewDeliveryRepository(repoDB),
		propagation.FromConfig(cfg, snsClient, httpClient),
	)

	g, err := gate.New(gate.Config{MaxConcurrent: cfg.Batch.Concurrency, Timeout: timeout})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}

	return &PropagationBatchService{
		db:              db,
		reservationRepo: reservationRepo,
		propagator:      propagator,
		gate:            g,
		sfnClient:       sfnClient,
		cfg:             cfg,
		now:             time.Now,
	}, nil
}

// Close は終了処理を行います
func (s *PropagationBatchService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Run はバッチ処理を実行します
// 1件でも伝播に失敗した場合はエラーを返し、Step Functions側で再実行させます
func (s *PropagationBatchService) Run(ctx context.Context) (err error) {
	ctx, end := utils.BeginSubsegment(ctx, "PropagationBatchService.Run")
	defer func() { end(err) }()

	startTime := time.Now()

	// 終了済みの予約はミラーする意味がないので対象外
	reservations, err := s.reservationRepo.ListUnmirrored(ctx, s.now().UTC())
	if err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to list unmirrored reservations: %w", err))
	}
	log.Printf("Found %d unmirrored reservations", len(reservations))
	utils.AddMetadata(ctx, "reservation_count", len(reservations))

	summary := s.replay(ctx, reservations)

	duration := time.Since(startTime)
	utils.AddMetadata(ctx, "duration", duration.String())
	utils.AddMetadata(ctx, "failed_count", summary.Failed)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d reservations failed to propagate: %v", summary.Failed, summary.Total, summary.FailedIDs)
	}

	if err := s.sendTaskSuccess(ctx, summary); err != nil {
		return utils.GetStackWithError(fmt.Errorf("failed to send task success: %w", err))
	}

	log.Printf("Propagation batch process completed successfully. Duration: %v", duration)
	return nil
}

// replay は予約を並列に処理します。ワーカー数はゲートの上限と同じです
func (s *PropagationBatchService) replay(ctx context.Context, reservations []model.Reservation) Summary {
	summary := Summary{Total: len(reservations)}

	jobs := make(chan model.Reservation)
	var mu sync.Mutex
	var wg sync.WaitGroup

	workers := s.gate.Config().MaxConcurrent
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				err := s.gate.Execute(ctx, func(ctx context.Context) error {
					return s.propagator.PropagateCreated(ctx, r)
				})

				mu.Lock()
				if err != nil {
					if errors.Is(err, gate.ErrTimeout) {
						log.Printf("Propagation timed out for reservation %s", r.ID)
					}
					summary.Failed++
					summary.FailedIDs = append(summary.FailedIDs, r.ID)
				} else {
					summary.Propagated++
				}
				mu.Unlock()
			}
		}()
	}

	for _, r := range reservations {
		select {
		case jobs <- r:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	// 中断で処理できなかった予約も失敗として数える
	if done := summary.Propagated + summary.Failed; done < summary.Total {
		summary.Failed += summary.Total - done
	}
	return summary
}

// sendTaskSuccess は、Step Functionsのタスク成功を結果とともに通知します
func (s *PropagationBatchService) sendTaskSuccess(ctx context.Context, summary Summary) error {
	// ローカルの場合はStep Functionsの処理をスキップ
	if s.cfg.Local || s.sfnClient == nil {
		log.Printf("Local environment detected. Skipping Step Functions task success notification")
		return nil
	}

	output, err := json.Marshal(map[string]any{
		"summary": summary,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	taskToken := s.cfg.SFN.TaskToken
	if taskToken == "" {
		return fmt.Errorf("SFN_TASK_TOKEN is not set in config")
	}

	input := &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	}
	if _, err := s.sfnClient.SendTaskSuccess(ctx, input); err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}

	log.Printf("Successfully sent task success with summary: %s", string(output))
	return nil
}

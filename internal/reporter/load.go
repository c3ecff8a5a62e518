// Package reporter はゲートの負荷を定期的に報告します。
package reporter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/model"
	"github.com/uma-arai/sbcntr-booking/internal/propagation"
)

// StatsSource はゲートの状態を読み取ります
type StatsSource interface {
	GateStats() gate.Stats
}

// LoadReporter はゲートの状態を一定間隔でログに出力し、Publisherがあればブロードキャストします
// 読み取るのは Stats のスナップショットだけで、受付には影響しません
type LoadReporter struct {
	source    StatsSource
	publisher propagation.Publisher
	topic     string
	interval  time.Duration
	now       func() time.Time
}

// NewLoadReporter は新しいLoadReporterを作成します
// topicには予約の通知と同じ論理トピック名を渡し、負荷は "<topic>.load" に送信します
func NewLoadReporter(source StatsSource, publisher propagation.Publisher, topic string, interval time.Duration) *LoadReporter {
	return &LoadReporter{
		source:    source,
		publisher: publisher,
		topic:     topic + ".load",
		interval:  interval,
		now:       time.Now,
	}
}

// Run はctxが終わるまで報告を続けます。intervalが0以下の場合は何もしません
//
//	go reporter.Run(ctx)
func (r *LoadReporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Report(ctx); err != nil {
				log.Printf("Failed to report load: %v", err)
			}
		}
	}
}

// Report は現在の状態を1回報告します
func (r *LoadReporter) Report(ctx context.Context) error {
	stats := r.source.GateStats()
	log.Printf("Gate load: inFlight=%d maxConcurrent=%d availableSlots=%d timeout=%s",
		stats.InFlight, stats.MaxConcurrent, stats.AvailableSlots, stats.Timeout)

	if r.publisher == nil {
		return nil
	}

	notification := model.Notification{
		Type:      model.NotificationTypeLoad,
		CreatedAt: r.now().UTC(),
		Data:      stats,
	}
	payload, err := notification.Payload()
	if err != nil {
		return err
	}
	if err := r.publisher.Publish(ctx, propagation.Message{Topic: r.topic, Payload: payload}); err != nil {
		return fmt.Errorf("failed to publish load report: %w", err)
	}
	return nil
}

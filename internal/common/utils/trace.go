package utils

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-xray-sdk-go/xray"
)

// BeginSubsegment はX-Rayのサブセグメントを開始し、終了用の関数を返します
// 親セグメントがない場合やSDKが無効な場合でも安全に呼び出せます
//
//	ctx, end := utils.BeginSubsegment(ctx, "ReservationRepository.TryReserve")
//	defer func() { end(err) }()
func BeginSubsegment(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, seg := xray.BeginSubsegment(ctx, name)
	if seg == nil {
		return ctx, func(error) {}
	}
	return ctx, seg.Close
}

// BeginSegment は新しいX-Rayセグメントを開始し、終了用の関数を返します
// リクエストのセグメントが閉じた後も続くバックグラウンド処理で使います
func BeginSegment(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, seg := xray.BeginSegment(ctx, name)
	if seg == nil {
		return ctx, func(error) {}
	}
	return ctx, seg.Close
}

// AddMetadata は現在のセグメントにメタデータを追加します
// 失敗してもログに残すだけで処理は継続します
func AddMetadata(ctx context.Context, key string, value interface{}) {
	if xray.GetSegment(ctx) == nil {
		return
	}
	if err := xray.AddMetadata(ctx, key, value); err != nil {
		log.Printf("Failed to add %s metadata: %v", key, err)
	}
}

// ConfigureTracing はX-Rayの送信先を設定します
// 設定に失敗した場合はデフォルトの設定で続行します
func ConfigureTracing(serviceVersion string) error {
	// セグメントがないcontextでサブセグメントを開始してもpanicさせない
	if err := os.Setenv("AWS_XRAY_CONTEXT_MISSING", "LOG_ERROR"); err != nil {
		return err
	}

	if err := xray.Configure(xray.Config{
		DaemonAddr:     "127.0.0.1:2000", // X-Rayデーモンのアドレス
		ServiceVersion: serviceVersion,
	}); err != nil {
		log.Printf("Failed to configure X-Ray: %v", err)
		// X-Ray設定失敗時はデフォルトの設定を使用
		return xray.Configure(xray.Config{})
	}
	return nil
}

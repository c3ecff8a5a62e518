package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-booking/internal/common/config"
	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/propagation"
	"github.com/uma-arai/sbcntr-booking/internal/service/batch"
)

const (
	projectName    = "sbcntr-booking-propagation"
	serviceVersion = "1.0.0"
)

func main() {
	// コマンドライン引数のパース
	timeout := flag.Duration("timeout", 5*time.Minute, "バッチ処理全体のタイムアウト時間")
	itemTimeout := flag.Duration("item-timeout", 30*time.Second, "予約1件あたりの伝播のタイムアウト時間")
	flag.Parse()

	// 最後の引数として渡されたタスクトークンを取得
	// ENV=LOCALの場合はタスクトークンを取得しない
	taskToken := "DUMMY_TASK_TOKEN"
	if os.Getenv("ENV") != "LOCAL" {
		if flag.NArg() == 0 || flag.Arg(flag.NArg()-1) == "" {
			log.Fatalf("Task token is required")
		}
		taskToken = flag.Arg(flag.NArg() - 1)
	}

	// 設定の読み込み
	cfg, err := config.LoadConfig(taskToken)
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := utils.ConfigureTracing(serviceVersion); err != nil {
			log.Fatalf("Failed to configure default X-Ray settings: %v", err)
		}
	}

	// AWSクライアントの初期化
	var (
		sfnClient *sfn.Client
		sfnAPI    batch.SFNAPI
		snsClient propagation.SNSAPI
	)
	if !cfg.Local {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		if cfg.EnableTracing {
			awsv2.AWSV2Instrumentor(&awsCfg.APIOptions)
		}
		sfnClient = sfn.NewFromConfig(awsCfg)
		sfnAPI = sfnClient
		if cfg.Broadcast.TopicARN != "" {
			snsClient = sns.NewFromConfig(awsCfg)
		}
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.EnableTracing {
		httpClient = xray.Client(httpClient)
	}

	// サービスの初期化
	service, err := batch.NewPropagationBatchService(cfg, sfnAPI, snsClient, httpClient, *itemTimeout)
	if err != nil {
		log.Fatalf("Failed to create service: %v\nStack trace:\n%s", err, debug.Stack())
	}
	defer service.Close()

	// コンテキストの作成
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// X-Rayセグメントの作成
	if cfg.EnableTracing {
		var seg *xray.Segment
		ctx, seg = xray.BeginSegment(ctx, projectName)
		defer seg.Close(nil)

		if err := seg.AddMetadata("timeout", timeout.String()); err != nil {
			log.Printf("Failed to add timeout metadata: %v", err)
		}
	}

	// バッチ全体の実行時間もゲートで制限する
	runGate, err := gate.New(gate.Config{MaxConcurrent: 1, Timeout: *timeout})
	if err != nil {
		log.Fatalf("Failed to create gate: %v", err)
	}

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// バッチ処理の実行
	errChan := make(chan error, 1)
	go func() {
		errChan <- runGate.Execute(ctx, service.Run)
	}()

	// シグナルまたはエラーの待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		cancel()
	case err := <-errChan:
		if err != nil {
			log.Printf("Batch process failed: %v", err)

			// ローカル環境以外の場合のみStep Functionsのエラー通知を行う
			if !cfg.Local && sfnClient != nil {
				input := &sfn.SendTaskFailureInput{
					TaskToken: aws.String(taskToken),
					Error:     aws.String("PropagationBatchFailed"),
					Cause:     aws.String(truncate(err.Error(), 256)),
				}

				if _, err := sfnClient.SendTaskFailure(context.Background(), input); err != nil {
					log.Printf("Failed to send task failure: %v\nStack trace:\n%s", err, debug.Stack())
				}
			}

			service.Close()
			os.Exit(1)
		}
		log.Println("Batch process completed successfully")
	}
}

// truncate はsをnバイト以内に切り詰めます。マルチバイト文字の途中では切りません
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

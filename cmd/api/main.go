package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/sbcntr-booking/internal/api"
	"github.com/uma-arai/sbcntr-booking/internal/common/config"
	"github.com/uma-arai/sbcntr-booking/internal/common/database"
	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/propagation"
	"github.com/uma-arai/sbcntr-booking/internal/reporter"
	"github.com/uma-arai/sbcntr-booking/internal/repository"
	"github.com/uma-arai/sbcntr-booking/internal/service/booking"
)

const (
	projectName    = "sbcntr-booking"
	serviceVersion = "1.0.0"
)

func main() {
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "停止時に実行中のリクエストと伝播を待つ時間")
	flag.Parse()

	// 設定の読み込み
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v\nStack trace:\n%s", err, debug.Stack())
	}

	// X-Ray設定
	if cfg.EnableTracing {
		if err := utils.ConfigureTracing(serviceVersion); err != nil {
			log.Fatalf("Failed to configure default X-Ray settings: %v", err)
		}
	}

	// 保存先の初期化
	// ENV=LOCALの場合はDBを使わずにインメモリで動作する
	var (
		reservationRepo repository.ReservationRepository
		deliveryRepo    repository.DeliveryRepository
	)
	if cfg.Local {
		log.Println("Local environment detected. Using in-memory repositories")
		reservationRepo = repository.NewMemoryReservationRepository()
		deliveryRepo = repository.NewMemoryDeliveryRepository()
	} else {
		db, err := database.NewDB(cfg.DB)
		if err != nil {
			log.Fatalf("Failed to create database connection: %v\nStack trace:\n%s", err, debug.Stack())
		}
		defer db.Close()

		repoDB := repository.NewDB(db.DB)
		if err := repoDB.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to apply schema: %v\nStack trace:\n%s", err, debug.Stack())
		}
		reservationRepo = repository.NewReservationRepository(repoDB)
		deliveryRepo = repository.NewDeliveryRepository(repoDB)
	}

	// SNSクライアントの初期化
	var snsClient propagation.SNSAPI
	if !cfg.Local && cfg.Broadcast.TopicARN != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v\nStack trace:\n%s", err, debug.Stack())
		}
		if cfg.EnableTracing {
			awsv2.AWSV2Instrumentor(&awsCfg.APIOptions)
		}
		snsClient = sns.NewFromConfig(awsCfg)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.EnableTracing {
		httpClient = xray.Client(httpClient)
	}
	propagationCfg := propagation.FromConfig(cfg, snsClient, httpClient)
	propagator := propagation.NewPropagator(reservationRepo, deliveryRepo, propagationCfg)

	g, err := gate.New(gate.Config{MaxConcurrent: cfg.Gate.MaxConcurrent, Timeout: cfg.Gate.Timeout})
	if err != nil {
		log.Fatalf("Failed to create gate: %v", err)
	}
	service := booking.NewService(g, reservationRepo, propagator)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 負荷レポート
	go reporter.NewLoadReporter(service, propagationCfg.Publisher, cfg.Broadcast.Topic, cfg.LoadReportInterval).Run(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(service, projectName, cfg.EnableTracing),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// シグナルハンドリングの設定
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		log.Printf("Starting %s on :%s (maxConcurrent=%d timeout=%s)", projectName, cfg.Port, cfg.Gate.MaxConcurrent, cfg.Gate.Timeout)
		errChan <- server.ListenAndServe()
	}()

	// シグナルまたはエラーの待機
	select {
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v\nStack trace:\n%s", err, debug.Stack())
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server: %v", err)
	}
	// タイムアウトで先に応答した操作も含め、確定済みの予約の伝播を待つ
	if err := service.Wait(shutdownCtx); err != nil {
		log.Printf("Gave up waiting for propagation: %v", err)
	}
	log.Println("Server stopped")
}

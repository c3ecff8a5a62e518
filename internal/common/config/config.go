package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/common/database"
)

type Config struct {
	// Local はENV=LOCALの場合にtrueになり、DBやAWSを使わずにインメモリで動作します
	Local bool
	Port  string
	DB    database.Config
	Gate  struct {
		MaxConcurrent int
		Timeout       time.Duration
	}
	Propagation struct {
		Timeout time.Duration
	}
	Calendar struct {
		BaseURL    string
		CalendarID string
		Token      string
	}
	Broadcast struct {
		TopicARN string
		Topic    string
	}
	LoadReportInterval time.Duration
	Batch              struct {
		Concurrency int
	}
	SFN struct {
		TaskToken string
	}
	EnableTracing bool
}

// LoadConfig は設定を読み込みます
func LoadConfig(taskToken string) (*Config, error) {
	cfg := &Config{
		Local: os.Getenv("ENV") == "LOCAL",
		Port:  getEnvOrDefault("PORT", "3001"),
		DB: database.Config{
			Host:         getEnvOrDefault("DB_HOST", "localhost"),
			Port:         getEnvAsIntOrDefault("DB_PORT", 5432),
			UserName:     getEnvOrDefault("DB_USERNAME", "sbcntrapp"),
			Password:     getEnvOrDefault("DB_PASSWORD", "password"),
			DBName:       getEnvOrDefault("DB_NAME", "sbcntrapp"),
			SSLMode:      os.Getenv("DB_SSL_MODE"),
			MaxOpenConns: getEnvAsIntOrDefault("DB_MAX_OPEN_CONNS", 25),
		},
		LoadReportInterval: getEnvAsDurationOrDefault("LOAD_REPORT_INTERVAL", 0),
		EnableTracing:      false,
	}

	cfg.Gate.MaxConcurrent = getEnvAsIntOrDefault("GATE_MAX_CONCURRENT", 10)
	cfg.Gate.Timeout = getEnvAsDurationOrDefault("GATE_TIMEOUT", 5*time.Second)
	cfg.Propagation.Timeout = getEnvAsDurationOrDefault("PROPAGATION_TIMEOUT", 10*time.Second)

	// カレンダー連携はBASE_URLが未設定の場合は無効
	cfg.Calendar.BaseURL = os.Getenv("CALENDAR_BASE_URL")
	cfg.Calendar.CalendarID = getEnvOrDefault("CALENDAR_ID", "primary")
	cfg.Calendar.Token = os.Getenv("CALENDAR_TOKEN")

	cfg.Broadcast.TopicARN = os.Getenv("BROADCAST_TOPIC_ARN")
	cfg.Broadcast.Topic = getEnvOrDefault("BROADCAST_TOPIC", "bookings")

	cfg.Batch.Concurrency = getEnvAsIntOrDefault("BATCH_CONCURRENCY", 4)
	cfg.SFN.TaskToken = taskToken

	// 環境変数[SBCNTR_ENABLE_TRACING]を見てトレースを有効にする。対応しているTracingはAWS_XRAYのみ。
	// 環境変数[AWS_XRAY_SDK_DISABLED]がtrueの場合は必ずトレースを無効にする。
	enableKey := os.Getenv("SBCNTR_ENABLE_TRACING")
	if !sdkDisabled() && (strings.ToLower(enableKey) == "true" || enableKey == "1") {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "FALSE")
		cfg.EnableTracing = true
	} else {
		os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
		cfg.EnableTracing = false
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	log.Printf("Environment variable %s is not set, using default value", key)
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("Environment variable %s is not an integer, using default value", key)
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は "5s" のようなDuration表記とミリ秒の整数の両方を受け付けます
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Printf("Environment variable %s is not a duration, using default value", key)
	return defaultValue
}

// Check if SDK is disabled
func sdkDisabled() bool {
	disableKey := os.Getenv("AWS_XRAY_SDK_DISABLED")
	return strings.ToLower(disableKey) == "true"
}

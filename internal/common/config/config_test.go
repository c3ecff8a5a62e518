package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("GATE_MAX_CONCURRENT", "")
	t.Setenv("GATE_TIMEOUT", "")
	t.Setenv("SBCNTR_ENABLE_TRACING", "")
	t.Setenv("AWS_XRAY_SDK_DISABLED", "")

	cfg, err := LoadConfig("token")
	require.NoError(t, err)

	assert.False(t, cfg.Local)
	assert.Equal(t, 10, cfg.Gate.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Gate.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Propagation.Timeout)
	assert.Equal(t, "bookings", cfg.Broadcast.Topic)
	assert.Equal(t, "token", cfg.SFN.TaskToken)
	assert.Zero(t, cfg.LoadReportInterval)
	assert.False(t, cfg.EnableTracing)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ENV", "LOCAL")
	t.Setenv("PORT", "8080")
	t.Setenv("GATE_MAX_CONCURRENT", "3")
	t.Setenv("GATE_TIMEOUT", "1500")
	t.Setenv("PROPAGATION_TIMEOUT", "2s")
	t.Setenv("LOAD_REPORT_INTERVAL", "30s")
	t.Setenv("CALENDAR_BASE_URL", "http://calendar.local")
	t.Setenv("BROADCAST_TOPIC_ARN", "arn:aws:sns:ap-northeast-1:123456789012:bookings.fifo")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.True(t, cfg.Local)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.Gate.MaxConcurrent)
	assert.Equal(t, 1500*time.Millisecond, cfg.Gate.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Propagation.Timeout)
	assert.Equal(t, 30*time.Second, cfg.LoadReportInterval)
	assert.Equal(t, "http://calendar.local", cfg.Calendar.BaseURL)
	assert.Equal(t, "primary", cfg.Calendar.CalendarID)
	assert.Equal(t, "arn:aws:sns:ap-northeast-1:123456789012:bookings.fifo", cfg.Broadcast.TopicARN)
}

func TestLoadConfig_Tracing(t *testing.T) {
	tests := []struct {
		name        string
		enable      string
		sdkDisabled string
		want        bool
	}{
		{name: "トレース有効", enable: "true", sdkDisabled: "", want: true},
		{name: "1でも有効", enable: "1", sdkDisabled: "", want: true},
		{name: "SDK無効が優先", enable: "true", sdkDisabled: "true", want: false},
		{name: "未設定", enable: "", sdkDisabled: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SBCNTR_ENABLE_TRACING", tt.enable)
			t.Setenv("AWS_XRAY_SDK_DISABLED", tt.sdkDisabled)

			cfg, err := LoadConfig("")
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.EnableTracing)
		})
	}
}

package propagation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/uma-arai/sbcntr-booking/internal/common/config"
)

func TestFromConfig(t *testing.T) {
	t.Run("外部連携なし", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Broadcast.Topic = "bookings"
		cfg.Propagation.Timeout = 3 * time.Second

		got := FromConfig(cfg, nil, nil)
		assert.Nil(t, got.Calendar)
		assert.IsType(t, LogPublisher{}, got.Publisher)
		assert.Equal(t, "bookings", got.Topic)
		assert.Equal(t, 3*time.Second, got.Timeout)
	})

	t.Run("カレンダーとSNS", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Calendar.BaseURL = "https://calendar.example.com/v3"
		cfg.Calendar.CalendarID = "primary"
		cfg.Broadcast.TopicARN = "arn:aws:sns:ap-northeast-1:123456789012:bookings.fifo"

		got := FromConfig(cfg, &MockSNSClient{}, nil)
		if assert.IsType(t, &HTTPCalendarClient{}, got.Calendar) {
			assert.Equal(t, "https://calendar.example.com/v3/calendars/primary/events", got.Calendar.(*HTTPCalendarClient).eventsURL())
		}
		if assert.IsType(t, &SNSPublisher{}, got.Publisher) {
			assert.True(t, got.Publisher.(*SNSPublisher).fifo)
		}
	})

	t.Run("ARNはあるがクライアントがない", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Broadcast.TopicARN = "arn:aws:sns:ap-northeast-1:123456789012:bookings"

		got := FromConfig(cfg, nil, nil)
		assert.IsType(t, LogPublisher{}, got.Publisher)
	})
}

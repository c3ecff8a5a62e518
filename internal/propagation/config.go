package propagation

import (
	"log"
	"net/http"

	"github.com/uma-arai/sbcntr-booking/internal/common/config"
)

// FromConfig は設定から連携先を組み立てます
// カレンダーはBaseURLが未設定なら無効、ブロードキャストはトピックARNかSNSクライアントがなければログ出力になります
func FromConfig(cfg *config.Config, snsClient SNSAPI, httpClient *http.Client) Config {
	out := Config{
		Topic:   cfg.Broadcast.Topic,
		Timeout: cfg.Propagation.Timeout,
	}

	if cfg.Calendar.BaseURL != "" {
		out.Calendar = NewHTTPCalendarClient(cfg.Calendar.BaseURL, cfg.Calendar.CalendarID, cfg.Calendar.Token, httpClient)
	} else {
		log.Println("CALENDAR_BASE_URL is not set, calendar mirroring is disabled")
	}

	if cfg.Broadcast.TopicARN != "" && snsClient != nil {
		out.Publisher = NewSNSPublisher(snsClient, cfg.Broadcast.TopicARN)
	} else {
		out.Publisher = LogPublisher{}
	}

	return out
}

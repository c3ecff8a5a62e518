package propagation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/model"
)

// CalendarEvent は外部カレンダーに作成するイベントです
type CalendarEvent struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
}

type EventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone,omitempty"`
}

// EventID は予約IDから決まるイベントIDを返します
// 同じ予約からは常に同じIDになるため、再送してもイベントは重複しません
func EventID(reservationID string) string {
	return strings.ReplaceAll(strings.ToLower(reservationID), "-", "")
}

// NewCalendarEvent は予約からイベントを作成します
func NewCalendarEvent(r model.Reservation) CalendarEvent {
	return CalendarEvent{
		ID:          EventID(r.ID),
		Summary:     fmt.Sprintf("%s reserved by %s", r.ResourceID, r.OwnerID),
		Description: "reservation " + r.ID,
		Start:       EventTime{DateTime: r.Start.UTC().Format(time.RFC3339Nano), TimeZone: "UTC"},
		End:         EventTime{DateTime: r.End.UTC().Format(time.RFC3339Nano), TimeZone: "UTC"},
	}
}

// HTTPCalendarClient はGoogle Calendar API (v3) 形式のHTTPクライアントです
type HTTPCalendarClient struct {
	baseURL    string
	calendarID string
	token      string
	httpClient *http.Client
}

// NewHTTPCalendarClient は新しいHTTPCalendarClientを作成します
// httpClientがnilの場合はタイムアウト付きのクライアントを使います
func NewHTTPCalendarClient(baseURL, calendarID, token string, httpClient *http.Client) *HTTPCalendarClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCalendarClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		calendarID: calendarID,
		token:      token,
		httpClient: httpClient,
	}
}

func (c *HTTPCalendarClient) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

// CreateEvent はイベントを作成します。同じIDのイベントが既にある場合(409)は作成済みとして扱います
func (c *HTTPCalendarClient) CreateEvent(ctx context.Context, event CalendarEvent) (string, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal calendar event: %w", err)
	}

	endpoint := c.eventsURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return event.ID, nil
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("http POST %s: %d", endpoint, resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode calendar response: %w", err)
	}
	if created.ID == "" {
		return event.ID, nil
	}
	return created.ID, nil
}

// DeleteEvent はイベントを削除します。既に存在しない場合(404, 410)は成功として扱います
func (c *HTTPCalendarClient) DeleteEvent(ctx context.Context, ref string) error {
	endpoint := c.eventsURL() + "/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return nil
	case resp.StatusCode >= 300:
		return fmt.Errorf("http DELETE %s: %d", endpoint, resp.StatusCode)
	}
	return nil
}

func (c *HTTPCalendarClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

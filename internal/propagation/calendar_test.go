package propagation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-booking/internal/model"
)

func TestEventID(t *testing.T) {
	assert.Equal(t, "0190a1b2c3d47e8f9a0b1c2d3e4f5a6b", EventID("0190A1B2-C3D4-7E8F-9A0B-1C2D3E4F5A6B"))
	assert.Equal(t, EventID("rsv-1"), EventID("rsv-1"))
}

func TestNewCalendarEvent(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	r := model.Reservation{
		ID:         "0190a1b2-c3d4-7e8f-9a0b-1c2d3e4f5a6b",
		ResourceID: "main",
		OwnerID:    "user1",
		Start:      time.Date(2030, 1, 1, 18, 0, 0, 0, jst),
		End:        time.Date(2030, 1, 1, 19, 0, 0, 0, jst),
	}

	event := NewCalendarEvent(r)
	assert.Equal(t, "0190a1b2c3d47e8f9a0b1c2d3e4f5a6b", event.ID)
	assert.Equal(t, "2030-01-01T09:00:00Z", event.Start.DateTime)
	assert.Equal(t, "2030-01-01T10:00:00Z", event.End.DateTime)
	assert.Equal(t, "UTC", event.Start.TimeZone)
	assert.Contains(t, event.Summary, "main")
}

func TestHTTPCalendarClient_CreateEvent(t *testing.T) {
	event := CalendarEvent{ID: "abc123", Summary: "main reserved by user1"}

	tests := []struct {
		name    string
		status  int
		body    string
		wantRef string
		wantErr bool
	}{
		{name: "作成成功", status: http.StatusOK, body: `{"id":"abc123","status":"confirmed"}`, wantRef: "abc123"},
		{name: "作成済み", status: http.StatusConflict, body: `{"error":{"code":409}}`, wantRef: "abc123"},
		{name: "IDなしの応答", status: http.StatusOK, body: `{}`, wantRef: "abc123"},
		{name: "サーバーエラー", status: http.StatusInternalServerError, body: ``, wantErr: true},
		{name: "認証エラー", status: http.StatusUnauthorized, body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got CalendarEvent
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/calendars/team@example.com/events", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPCalendarClient(server.URL+"/", "team@example.com", "secret", nil)
			ref, err := client.CreateEvent(context.Background(), event)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRef, ref)
			assert.Equal(t, event.ID, got.ID)
		})
	}
}

func TestHTTPCalendarClient_DeleteEvent(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "削除成功", status: http.StatusNoContent},
		{name: "存在しない", status: http.StatusNotFound},
		{name: "削除済み", status: http.StatusGone},
		{name: "サーバーエラー", status: http.StatusBadGateway, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/calendars/primary/events/abc123", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := NewHTTPCalendarClient(server.URL, "primary", "", nil)
			err := client.DeleteEvent(context.Background(), "abc123")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHTTPCalendarClient_WithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPCalendarClient(server.URL, "primary", "", nil)
	assert.NoError(t, client.DeleteEvent(context.Background(), "abc123"))
}

func TestHTTPCalendarClient_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	client := NewHTTPCalendarClient(server.URL, "primary", "", nil)
	_, err := client.CreateEvent(ctx, CalendarEvent{ID: "abc123"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

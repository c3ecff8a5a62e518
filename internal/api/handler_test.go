package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uma-arai/sbcntr-booking/internal/gate"
	"github.com/uma-arai/sbcntr-booking/internal/model"
	"github.com/uma-arai/sbcntr-booking/internal/repository"
	"github.com/uma-arai/sbcntr-booking/internal/service/booking"
)

func TestMain(m *testing.M) {
	os.Setenv("AWS_XRAY_SDK_DISABLED", "TRUE")
	os.Exit(m.Run())
}

type noopPropagator struct{}

func (noopPropagator) OnCreated(context.Context, model.Reservation) {}
func (noopPropagator) OnDeleted(context.Context, model.Reservation) {}

func newTestServer(t *testing.T) (*httptest.Server, *booking.Service) {
	t.Helper()

	g, err := gate.New(gate.Config{MaxConcurrent: 10, Timeout: time.Second})
	require.NoError(t, err)
	svc := booking.NewService(g, repository.NewMemoryReservationRepository(), noopPropagator{})

	server := httptest.NewServer(NewRouter(svc, "sbcntr-booking", false))
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
	})
	return server, svc
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func bookingBody(owner, resource, start, end string) string {
	b, _ := json.Marshal(BookingRequest{OwnerID: owner, ResourceID: resource, StartTime: start, EndTime: end})
	return string(b)
}

func TestBookingAPI_Scenario(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/bookings"

	resp := do(t, http.MethodPost, url, bookingBody("user1", "main", "2030-01-01T00:05:00Z", "2030-01-01T01:05:00Z"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	a := decode[BookingResponse](t, resp)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "user1", a.OwnerID)
	assert.Equal(t, "main", a.ResourceID)
	assert.Equal(t, "2030-01-01T00:05:00.000Z", a.StartTime)
	assert.Equal(t, "2030-01-01T01:05:00.000Z", a.EndTime)

	resp = do(t, http.MethodPost, url, bookingBody("user2", "main", "2030-01-01T00:30:00Z", "2030-01-01T01:30:00Z"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeConflict, decode[ErrorResponse](t, resp).Error)

	resp = do(t, http.MethodPost, url, bookingBody("user3", "kitchen", "2030-01-01T00:05:00Z", "2030-01-01T01:05:00Z"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decode[BookingResponse](t, resp)

	resp = do(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]BookingResponse](t, resp)
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, []string{list[0].ID, list[1].ID})

	resp = do(t, http.MethodDelete, url+"/"+a.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodDelete, url+"/"+a.ID, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, resp).Error)
}

func TestBookingAPI_ResponseOmitsInternalFields(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/bookings"

	resp := do(t, http.MethodPost, url, bookingBody("user1", "main", "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]any](t, resp)
	assert.NotContains(t, created, "createdAt")
	assert.NotContains(t, created, "created_at")
	assert.NotContains(t, created, "mirrorRef")
	assert.NotContains(t, created, "mirror_ref")

	resp = do(t, http.MethodGet, url, "")
	listed := decode[[]map[string]any](t, resp)
	require.Len(t, listed, 1)
	assert.Len(t, listed[0], 5)
}

func TestBookingAPI_CreateErrors(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/bookings"

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "JSONではない", body: "{", wantCode: CodeBadJSON},
		{name: "未知のフィールド", body: `{"ownerId":"u","resourceId":"r","startTime":"2030-01-01T09:00:00Z","endTime":"2030-01-01T10:00:00Z","extra":1}`, wantCode: CodeBadJSON},
		{name: "ownerIdなし", body: bookingBody("", "main", "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z"), wantCode: CodeValidation},
		{name: "時刻が不正", body: bookingBody("user1", "main", "not-a-time", "2030-01-01T10:00:00Z"), wantCode: CodeValidation},
		{name: "開始が終了以降", body: bookingBody("user1", "main", "2030-01-01T10:00:00Z", "2030-01-01T10:00:00Z"), wantCode: CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, url, tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[ErrorResponse](t, resp)
			assert.Equal(t, tt.wantCode, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestBookingAPI_ListRange(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/bookings"

	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, url, bookingBody("user1", "main", "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z")).StatusCode)
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, url, bookingBody("user1", "main", "2030-01-01T12:00:00Z", "2030-01-01T13:00:00Z")).StatusCode)

	resp := do(t, http.MethodGet, url+"?rangeStart=2030-01-01T10:00:00Z&rangeEnd=2030-01-01T12:00:01Z", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]BookingResponse](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "2030-01-01T12:00:00.000Z", list[0].StartTime)

	resp = do(t, http.MethodGet, url+"?rangeStart=2030-01-01T10:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, url+"?rangeStart=2030-01-02T00:00:00Z&rangeEnd=2030-01-03T00:00:00Z", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]BookingResponse](t, resp))
}

func TestGateAPI(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/gate"

	resp := do(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[gate.Stats](t, resp)
	assert.Equal(t, 10, stats.MaxConcurrent)
	assert.Equal(t, int64(1000), stats.TimeoutMs)
	assert.Equal(t, 10, stats.AvailableSlots)

	resp = do(t, http.MethodPatch, url, `{"maxConcurrent":3,"timeoutMs":250}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats = decode[gate.Stats](t, resp)
	assert.Equal(t, 3, stats.MaxConcurrent)
	assert.Equal(t, int64(250), stats.TimeoutMs)

	resp = do(t, http.MethodPatch, url, `{"maxConcurrent":0}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeValidation, decode[ErrorResponse](t, resp).Error)

	resp = do(t, http.MethodPatch, url, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAPI(t *testing.T) {
	server, _ := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, server.URL+"/healthz", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, server.URL+"/readyz", "").StatusCode)
}

// stubService は任意のエラーを返すBookingServiceです
type stubService struct {
	err     error
	pingErr error
}

func (s stubService) Create(context.Context, booking.CreateRequest) (*model.Reservation, error) {
	return nil, s.err
}

func (s stubService) List(context.Context, string, string) ([]model.Reservation, error) {
	return nil, s.err
}

func (s stubService) Delete(context.Context, string) (*model.Reservation, error) {
	return nil, s.err
}

func (s stubService) GateStats() gate.Stats { return gate.Stats{} }

func (s stubService) UpdateGate(gate.ConfigUpdate) (gate.Config, error) {
	return gate.Config{}, s.err
}

func (s stubService) Ping(context.Context) error { return s.pingErr }

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "検証エラー", err: &booking.ValidationError{Field: "startTime", Reason: "is required"}, wantStatus: http.StatusBadRequest, wantCode: CodeValidation},
		{name: "重なり", err: repository.ErrConflict, wantStatus: http.StatusConflict, wantCode: CodeConflict},
		{name: "存在しない", err: repository.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: CodeNotFound},
		{name: "上限超過", err: gate.ErrCapacityExceeded, wantStatus: http.StatusServiceUnavailable, wantCode: CodeCapacityExceeded},
		{name: "停止中", err: booking.ErrShuttingDown, wantStatus: http.StatusServiceUnavailable, wantCode: CodeUnavailable},
		{name: "タイムアウト", err: gate.ErrTimeout, wantStatus: http.StatusGatewayTimeout, wantCode: CodeTimeout},
		{name: "その他", err: errors.New("disk on fire"), wantStatus: http.StatusInternalServerError, wantCode: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(stubService{err: tt.err}, "sbcntr-booking", false)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(bookingBody("u", "r", "2030-01-01T09:00:00Z", "2030-01-01T10:00:00Z")))
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error)
			if tt.wantCode == CodeCapacityExceeded {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
			// 内部のエラー内容は返さない
			assert.NotContains(t, body.Message, "disk on fire")
		})
	}
}

func TestReadyz_Unavailable(t *testing.T) {
	router := NewRouter(stubService{pingErr: errors.New("connection refused")}, "sbcntr-booking", false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGateAPI_TimeoutOutOfRange(t *testing.T) {
	server, _ := newTestServer(t)
	url := server.URL + "/api/v1/gate"

	for _, body := range []string{
		`{"timeoutMs":9223372036855}`,
		`{"timeoutMs":9223372036854775807}`,
		`{"timeoutMs":-9223372036854775808}`,
	} {
		resp := do(t, http.MethodPatch, url, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, CodeValidation, decode[ErrorResponse](t, resp).Error)
	}

	// 上限ちょうどは受け付ける
	resp := do(t, http.MethodPatch, url, `{"timeoutMs":9223372036854}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(9223372036854), decode[gate.Stats](t, resp).TimeoutMs)
}

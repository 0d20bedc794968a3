package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ccs-gateway/internal/connection"
	"ccs-gateway/internal/devicegroup"
	"ccs-gateway/internal/idempotency"
	"ccs-gateway/internal/metrics"
	"ccs-gateway/internal/push"
	"ccs-gateway/internal/queue"
	"ccs-gateway/internal/status"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	requests []queue.IntakeRequest
	err      error
}

func (s *fakeSubmitter) Submit(ctx context.Context, request queue.IntakeRequest) (string, error) {
	s.requests = append(s.requests, request)
	if s.err != nil {
		return "", s.err
	}
	return "m-1", nil
}

type fakeGroups struct {
	added   []devicegroup.Member
	removed []devicegroup.Member
	err     error
}

func (g *fakeGroups) AddDevice(ctx context.Context, category string, member devicegroup.Member) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	g.added = append(g.added, member)
	return "key-42", nil
}

func (g *fakeGroups) RemoveDevice(ctx context.Context, category string, member devicegroup.Member) error {
	if g.err != nil {
		return g.err
	}
	g.removed = append(g.removed, member)
	return nil
}

type fakeStatus struct {
	status connection.Status
}

func (s fakeStatus) Status() connection.Status { return s.status }

type fakePending struct {
	count int64
	err   error
}

func (p fakePending) Pending(ctx context.Context) (int64, error) { return p.count, p.err }

type fakeMessages struct {
	statuses map[string]status.MessageStatus
	err      error
}

func (m fakeMessages) Get(ctx context.Context, messageID string) (status.MessageStatus, bool, error) {
	if m.err != nil {
		return status.MessageStatus{}, false, m.err
	}
	current, found := m.statuses[messageID]
	return current, found, nil
}

func (m fakeMessages) History(ctx context.Context, messageID string) ([]status.MessageStatus, error) {
	current, found := m.statuses[messageID]
	if !found {
		return nil, nil
	}
	return []status.MessageStatus{{MessageID: messageID, Status: "queued"}, current}, nil
}

type fixture struct {
	submitter *fakeSubmitter
	groups    *fakeGroups
	status    fakeStatus
	router    *gin.Engine
}

func newFixture(t *testing.T, connectionStatus connection.Status) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	require.NoError(t, err)

	f := &fixture{
		submitter: &fakeSubmitter{},
		groups:    &fakeGroups{},
		status:    fakeStatus{status: connectionStatus},
	}
	messages := fakeMessages{statuses: map[string]status.MessageStatus{
		"m-1": {MessageID: "m-1", Status: "delivered", Detail: "tok-A"},
	}}
	f.router = NewRouter(RouterOptions{
		Handler:        NewHandler(f.submitter, f.groups),
		Status:         NewStatusHandler(f.status, fakePending{count: 3}),
		Messages:       NewMessageStatusHandler(messages),
		Metrics:        collectors,
		Gatherer:       registry,
		RequestTimeout: time.Second,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, UnifiedResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)

	var response UnifiedResponse
	_ = json.Unmarshal(recorder.Body.Bytes(), &response)
	return recorder, response
}

func TestSendNotification_Accepted(t *testing.T) {
	f := newFixture(t, connection.Status{Active: connection.RolePrimary})

	recorder, response := f.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{
		"to":                     "tok-A",
		"package_name_extension": "news",
		"notification":           map[string]string{"title": "hi"},
		"data":                   map[string]any{"id": 7},
	})

	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, "success", response.Msg)
	assert.NotEmpty(t, recorder.Header().Get(requestIDHeader))
	require.Len(t, f.submitter.requests, 1)
	assert.Equal(t, "tok-A", f.submitter.requests[0].To)
	assert.Equal(t, "news", f.submitter.requests[0].PackageNameExtension)
	assert.Equal(t, "hi", f.submitter.requests[0].Notification.Notification["title"])
}

func TestSendNotification_Validation(t *testing.T) {
	f := newFixture(t, connection.Status{})

	recorder, _ := f.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"notification": map[string]string{"title": "x"}})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = f.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"to": "tok-A", "priority": "urgent"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, f.submitter.requests)
}

func TestSendNotification_StoreFailure(t *testing.T) {
	f := newFixture(t, connection.Status{})
	f.submitter.err = push.WrapError(push.ErrStore, "hset", errors.New("redis down"))

	recorder, response := f.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"to": "tok-A"})
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Contains(t, response.Msg, "redis down")
}

type countingSender struct {
	sent int
}

func (sender *countingSender) SendNotification(ctx context.Context, appPackageName, to string, notification push.Notification) (string, error) {
	sender.sent++
	return fmt.Sprintf("m-%d", sender.sent), nil
}

func TestSendNotification_DuplicateRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sender := &countingSender{}
	intake := queue.NewIntakeHandler(sender, idempotency.NewRedisChecker(client, "ccs"), "com.app")
	f := &fixture{router: NewRouter(RouterOptions{
		Handler: NewHandler(intake, &fakeGroups{}),
		Status:  NewStatusHandler(fakeStatus{}, fakePending{}),
	})}

	body := map[string]any{"request_id": "r1", "to": "tok-A"}
	recorder, _ := f.do(t, http.MethodPost, "/api/v1/notifications", body)
	assert.Equal(t, http.StatusAccepted, recorder.Code)

	recorder, _ = f.do(t, http.MethodPost, "/api/v1/notifications", body)
	assert.Equal(t, http.StatusConflict, recorder.Code)
	assert.Equal(t, 1, sender.sent)

	recorder, _ = f.do(t, http.MethodPost, "/api/v1/notifications", map[string]any{"request_id": "r2", "to": "tok-A"})
	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, 2, sender.sent)
}

func TestGroupMembers_AddAndRemove(t *testing.T) {
	f := newFixture(t, connection.Status{})
	body := map[string]string{"category": "news", "token": "tok-A", "notification_key_name": "user-42"}

	recorder, response := f.do(t, http.MethodPost, "/api/v1/device-groups/members", body)
	assert.Equal(t, http.StatusOK, recorder.Code)
	data := response.Data.(map[string]any)
	assert.Equal(t, "key-42", data["notification_key"])

	recorder, _ = f.do(t, http.MethodDelete, "/api/v1/device-groups/members", body)
	assert.Equal(t, http.StatusOK, recorder.Code)

	assert.Equal(t, []devicegroup.Member{{Token: "tok-A", NotificationKeyName: "user-42"}}, f.groups.added)
	assert.Equal(t, f.groups.added, f.groups.removed)
}

func TestGroupMembers_ErrorMapping(t *testing.T) {
	body := map[string]string{"category": "news", "token": "tok-A", "notification_key_name": "user-42"}

	tests := []struct {
		err  error
		want int
	}{
		{push.ErrDirectoryUnavailable, http.StatusServiceUnavailable},
		{push.WrapError(push.ErrDirectory, "add", nil), http.StatusBadGateway},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		f := newFixture(t, connection.Status{})
		f.groups.err = tt.err
		recorder, _ := f.do(t, http.MethodPost, "/api/v1/device-groups/members", body)
		assert.Equal(t, tt.want, recorder.Code, tt.err.Error())
	}

	f := newFixture(t, connection.Status{})
	recorder, _ := f.do(t, http.MethodPost, "/api/v1/device-groups/members", map[string]string{"token": "tok-A"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestConnectionStatus(t *testing.T) {
	f := newFixture(t, connection.Status{
		Primary:   connection.ChannelStatus{Role: connection.RolePrimary, State: connection.StateConnected, Draining: true},
		Secondary: connection.ChannelStatus{Role: connection.RoleSecondary, State: connection.StateConnected},
		Active:    connection.RoleSecondary,
	})

	recorder, response := f.do(t, http.MethodGet, "/api/v1/connection", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	data := response.Data.(map[string]any)
	assert.Equal(t, "secondary", data["active"])
	assert.Equal(t, float64(3), data["pending"])
	assert.Equal(t, true, data["primary"].(map[string]any)["draining"])
}

func TestHealthz(t *testing.T) {
	healthy := newFixture(t, connection.Status{Active: connection.RolePrimary})
	recorder, _ := healthy.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	degraded := newFixture(t, connection.Status{})
	recorder, _ = degraded.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, connection.Status{Active: connection.RolePrimary})
	f.do(t, http.MethodGet, "/healthz", nil)

	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "ccs_gateway_http_requests_total")
}

func TestRequestID_Propagated(t *testing.T) {
	f := newFixture(t, connection.Status{Active: connection.RolePrimary})

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set(requestIDHeader, "abc-123")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, request)

	assert.Equal(t, "abc-123", recorder.Header().Get(requestIDHeader))
}

func TestNotificationStatus(t *testing.T) {
	f := newFixture(t, connection.Status{Active: connection.RolePrimary})

	recorder, response := f.do(t, http.MethodGet, "/api/v1/notifications/m-1", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	data := response.Data.(map[string]any)
	assert.Equal(t, "delivered", data["status"])
	assert.Len(t, data["history"], 2)

	recorder, _ = f.do(t, http.MethodGet, "/api/v1/notifications/unknown", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

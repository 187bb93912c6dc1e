package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sarathsp06/herald/internal/connect"
	"github.com/sarathsp06/herald/internal/jobs"
	"github.com/sarathsp06/herald/internal/webhooks"
)

type okTransport struct{}

func (okTransport) Post(context.Context, string, map[string]string, []byte) (*webhooks.Response, error) {
	return &webhooks.Response{StatusCode: http.StatusOK}, nil
}

type okProber struct{}

func (okProber) Head(context.Context, string) (int, error) { return http.StatusOK, nil }

type publisherFunc func(context.Context, jobs.EventArgs) (*rivertype.JobInsertResult, error)

func (f publisherFunc) Publish(ctx context.Context, args jobs.EventArgs) (*rivertype.JobInsertResult, error) {
	return f(ctx, args)
}

func newTestServer(t *testing.T, publisher connect.EventPublisher) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := webhooks.NewRegistry(webhooks.Options{
		Validator: webhooks.NewValidator(okProber{}),
		Transport: okTransport{},
	})
	t.Cleanup(reg.Close)
	prom := prometheus.NewRegistry()
	return NewServer(reg, publisher, prom), prom
}

func do(t *testing.T, s *Server, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if user != "" {
		req.Header.Set(connect.HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "ready").Bool())

	s.AddReadinessCheck("database", func(context.Context) error { return errors.New("connection refused") })
	s.AddReadinessCheck("redis", func(context.Context) error { return nil })
	rec = do(t, s, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "connection refused", gjson.Get(rec.Body.String(), "checks.database").String())
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "checks.redis").String())
}

func TestSubscriptionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/webhooks", "alice",
		`{"url":"https://hooks.example.com/a","events":["document.signed","document.completed"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := gjson.Get(rec.Body.String(), "subscription.id").String()
	require.NotEmpty(t, id)
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "subscription.secret").String())

	rec = do(t, s, http.MethodGet, "/api/webhooks/"+id, "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "subscription.secret").Exists())

	rec = do(t, s, http.MethodPatch, "/api/webhooks/"+id, "alice", `{"isActive":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, gjson.Get(rec.Body.String(), "subscription.isActive").Bool())

	rec = do(t, s, http.MethodGet, "/api/webhooks", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), gjson.Get(rec.Body.String(), "totalCount").Int())

	rec = do(t, s, http.MethodGet, "/api/webhooks/"+id, "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/webhooks/"+id, "alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/webhooks/"+id, "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatuses(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
		want   int
	}{
		{"missing user", http.MethodGet, "/api/webhooks", "", "", http.StatusUnauthorized},
		{"http url", http.MethodPost, "/api/webhooks", "alice", `{"url":"http://hooks.example.com","events":["user.created"]}`, http.StatusBadRequest},
		{"no events", http.MethodPost, "/api/webhooks", "alice", `{"url":"https://hooks.example.com","events":[]}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/webhooks", "alice", `{"url":`, http.StatusBadRequest},
		{"unknown event", http.MethodPost, "/api/events", "alice", `{"eventType":"order.shipped"}`, http.StatusBadRequest},
		{"unknown subscription", http.MethodPost, "/api/webhooks/wh_missing/test", "alice", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/webhooks/wh_missing/deliveries?limit=x", "alice", "", http.StatusBadRequest},
		{"wrong method", http.MethodPut, "/api/webhooks", "alice", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestSubscribeOrganizationComesFromHeader(t *testing.T) {
	s, _ := newTestServer(t, nil)
	body := `{"url":"https://hooks.example.com/a","events":["user.created"],"organizationId":"acme"}`

	rec := do(t, s, http.MethodPost, "/api/webhooks", "mallory", body)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks", strings.NewReader(body))
	req.Header.Set(connect.HeaderUserID, "mallory")
	req.Header.Set(connect.HeaderOrganizationID, "evil")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/webhooks", nil)
	req.Header.Set(connect.HeaderUserID, "alice")
	req.Header.Set(connect.HeaderOrganizationID, "acme")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, gjson.Get(rec.Body.String(), "totalCount").Int())

	req = httptest.NewRequest(http.MethodPost, "/api/webhooks", strings.NewReader(body))
	req.Header.Set(connect.HeaderUserID, "alice")
	req.Header.Set(connect.HeaderOrganizationID, "acme")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "acme", gjson.Get(rec.Body.String(), "subscription.organizationId").String())
}

func TestPushEventInline(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/api/webhooks", "alice",
		`{"url":"https://hooks.example.com/a","events":["user.created"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := gjson.Get(rec.Body.String(), "subscription.id").String()

	rec = do(t, s, http.MethodPost, "/api/events", "alice", `{"eventType":"user.created","data":{"id":"u1"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, gjson.Get(rec.Body.String(), "deliveryIds").Array(), 1)

	rec = do(t, s, http.MethodPost, "/api/webhooks/"+id+"/test", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "delivery.test").Bool())

	rec = do(t, s, http.MethodGet, "/api/webhooks/"+id+"/deliveries?limit=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "deliveries").Array(), 1)
}

func TestPushEventQueued(t *testing.T) {
	var got []jobs.EventArgs
	s, _ := newTestServer(t, publisherFunc(func(_ context.Context, args jobs.EventArgs) (*rivertype.JobInsertResult, error) {
		got = append(got, args)
		return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: 7}}, nil
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/events", strings.NewReader(`{"eventType":"payment.failed","data":{"amount":1}}`))
	req.Header.Set(connect.HeaderUserID, "alice")
	req.Header.Set(connect.HeaderOrganizationID, "acme")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, gjson.Get(rec.Body.String(), "queued").Bool())
	require.Len(t, got, 1)
	assert.Equal(t, "payment.failed", got[0].EventType)
	assert.Equal(t, "acme", got[0].OrganizationID)
	assert.JSONEq(t, `{"amount":1}`, string(got[0].Data))
}

func TestMetricsUseRouteTemplates(t *testing.T) {
	s, prom := newTestServer(t, nil)

	do(t, s, http.MethodGet, "/api/webhooks/wh_one", "alice", "")
	do(t, s, http.MethodGet, "/api/webhooks/wh_two", "alice", "")

	counter, err := s.metrics.RequestsTotal.GetMetricWithLabelValues(http.MethodGet, "/api/webhooks/{id}", "404")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))

	rec := do(t, s, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `herald_http_requests_total{method="GET",path="/api/webhooks/{id}",status="404"} 2`)

	n, err := testutil.GatherAndCount(prom, "herald_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestMountedHandler(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.Mount("/herald.v1.WebhookService/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	}))

	rec := do(t, s, http.MethodPost, "/herald.v1.WebhookService/Subscribe", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/herald.v1.WebhookService/Subscribe", gjson.Get(rec.Body.String(), "path").String())
}

func TestEventTypes(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/api/event-types", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, gjson.Get(rec.Body.String(), "eventTypes").Array(), len(webhooks.EventTypes()))
}

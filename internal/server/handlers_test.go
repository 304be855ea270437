package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/config"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/server"
	"github.com/example/notification-dispatch/internal/template"
	"github.com/example/notification-dispatch/internal/transport"
	"github.com/example/notification-dispatch/internal/worker"
)

const verificationEnvelope = `{
	"eventId": "e1",
	"eventType": "EmailVerificationRequested",
	"eventVersion": 1,
	"occurredAt": "2025-10-11T10:00:00Z",
	"producer": "auth-service",
	"payload": {
		"userId": "u1",
		"email": "user@example.com",
		"username": "ana",
		"token": "tok-123",
		"verificationLink": "https://example.com/verify?token=tok-123",
		"expiresAt": "2025-10-12T10:00:00Z"
	}
}`

type mapStore map[string]string

func (s mapStore) Read(name string) ([]byte, error) {
	src, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("no template %q", name)
	}
	return []byte(src), nil
}

type captureTransport struct {
	last *transport.Message
}

func (ct *captureTransport) Send(_ context.Context, msg *transport.Message) (*transport.Receipt, error) {
	ct.last = msg
	return &transport.Receipt{MessageID: "msg-1"}, nil
}

func newTestServer(t *testing.T) (*server.Server, *lifecycle.Service, *captureTransport) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	monitor, err := queue.NewMonitor(client, config.RedisConfig{Host: "127.0.0.1", Port: 1, MaxConnRetries: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	q, err := queue.New(client, monitor, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	svc, err := lifecycle.NewService(lifecycle.NewMemoryStore(), lifecycle.AllowAll{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	renderer, err := template.NewRenderer(mapStore{
		"email-verification.mjml": "Hi {{username}}",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sender := &captureTransport{}
	processor, err := worker.NewProcessor(worker.VerificationSpec("email-verification"), worker.Dependencies{
		Renderer:  renderer,
		Transport: sender,
		Lifecycle: svc,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := dispatch.NewDispatcher(q, monitor, svc, []*worker.Processor{processor}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv, err := server.New(config.AppConfig{Env: "test", Port: 0}, d, svc, monitor, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return srv, svc, sender
}

func doRequest(t *testing.T, srv *server.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsDegradedWhenQueueDown(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var body struct {
		Status   string `json:"status"`
		Services struct {
			API struct {
				Status string `json:"status"`
			} `json:"api"`
			Redis struct {
				Status    string `json:"status"`
				Connected bool   `json:"connected"`
				Host      string `json:"host"`
				Port      int    `json:"port"`
				Attempts  int    `json:"attempts"`
			} `json:"redis"`
			Queue struct {
				Status string `json:"status"`
				Mode   string `json:"mode"`
			} `json:"queue"`
		} `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}

	if body.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", body.Status)
	}
	if body.Services.API.Status != "up" {
		t.Fatalf("expected api up, got %q", body.Services.API.Status)
	}
	if body.Services.Redis.Connected || body.Services.Redis.Host != "127.0.0.1" {
		t.Fatalf("unexpected redis health: %+v", body.Services.Redis)
	}
	if body.Services.Queue.Mode != dispatch.ModeSync {
		t.Fatalf("expected sync mode while queue is down, got %q", body.Services.Queue.Mode)
	}
}

func TestPostNotificationSyncFallback(t *testing.T) {
	srv, svc, _ := newTestServer(t)

	payload := fmt.Sprintf(`{"envelope": %s}`, verificationEnvelope)
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notifications", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Mode != dispatch.ModeSync || resp.Warning == "" {
		t.Fatalf("expected sync response with warning, got %+v", resp)
	}

	notif, err := svc.Get(context.Background(), resp.NotificationID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif.Status != lifecycle.StatusSent {
		t.Fatalf("expected SENT record, got %s", notif.Status)
	}
}

func TestPostNotificationRejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notifications", `{"nope": 1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing envelope, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/notifications", `{"envelope": {"eventType": "Nope"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid envelope, got %d", rec.Code)
	}
}

func TestGetNotification(t *testing.T) {
	srv, svc, _ := newTestServer(t)

	n, err := svc.Create(context.Background(), lifecycle.CreateParams{UserID: "u1", Recipient: "user@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/notifications/"+n.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/notifications/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
}

func TestCancelNotification(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, lifecycle.CreateParams{UserID: "u1", Recipient: "user@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notifications/"+n.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A cancelled record cannot be cancelled again.
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/notifications/"+n.ID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/templates", `{"code": "email-verification"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing body template, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/templates",
		`{"code": "email-verification", "subject": "Verify", "bodyTemplate": "Hello {{username}}"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/templates",
		`{"code": "email-verification", "subject": "Verify now", "bodyTemplate": "Hi {{username}}"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var v2 lifecycle.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &v2); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	if v2.Version != 2 || !v2.IsActive {
		t.Fatalf("expected active v2, got %+v", v2)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/templates/email-verification", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var active lifecycle.Template
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("decode template: %v", err)
	}
	if active.Version != 2 || active.Subject != "Verify now" {
		t.Fatalf("expected latest version active, got %+v", active)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/templates/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown code, got %d", rec.Code)
	}
}

func TestPostNotificationUsesPublishedTemplate(t *testing.T) {
	srv, svc, sender := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/templates",
		`{"code": "email-verification", "subject": "Verify now", "bodyTemplate": "Catalog {{username}}"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	payload := fmt.Sprintf(`{"envelope": %s}`, verificationEnvelope)
	rec = doRequest(t, srv, http.MethodPost, "/api/v1/notifications", payload)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dispatch.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	notif, err := svc.Get(context.Background(), resp.NotificationID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif.Status != lifecycle.StatusSent {
		t.Fatalf("expected SENT record, got %s", notif.Status)
	}
	if sender.last == nil || sender.last.Subject != "Verify now" {
		t.Fatalf("expected published subject on outbound message, got %+v", sender.last)
	}
	if sender.last.HTMLBody != "Catalog ana" {
		t.Fatalf("expected published body rendered, got %q", sender.last.HTMLBody)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, svc, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, lifecycle.CreateParams{UserID: "u1", Recipient: "a@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Create(ctx, lifecycle.CreateParams{UserID: "u2", Recipient: "b@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/notifications/stats?userId=u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats lifecycle.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 {
		t.Fatalf("expected 1 record for u1, got %d", stats.Total)
	}
}

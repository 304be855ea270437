package worker_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
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

type fakeTransport struct {
	err   error
	calls int
	last  *transport.Message
}

func (f *fakeTransport) Send(_ context.Context, msg *transport.Message) (*transport.Receipt, error) {
	f.calls++
	f.last = msg
	if f.err != nil {
		return nil, f.err
	}
	return &transport.Receipt{MessageID: "msg-1"}, nil
}

type testPipeline struct {
	processor *worker.Processor
	store     *lifecycle.MemoryStore
	lifecycle *lifecycle.Service
	transport *fakeTransport
}

func newPipeline(t *testing.T, prefs lifecycle.PreferenceReader, sendErr error) *testPipeline {
	t.Helper()

	store := lifecycle.NewMemoryStore()
	svc, err := lifecycle.NewService(store, prefs, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error creating lifecycle: %v", err)
	}

	renderer, err := template.NewRenderer(mapStore{
		"email-verification.mjml": "<mj-text>Hi {{username}}, visit {{verificationLink}} before {{expiresAt}}</mj-text>",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error creating renderer: %v", err)
	}

	sender := &fakeTransport{err: sendErr}
	processor, err := worker.NewProcessor(worker.VerificationSpec("email-verification"), worker.Dependencies{
		Renderer:  renderer,
		Transport: sender,
		Lifecycle: svc,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected error creating processor: %v", err)
	}

	return &testPipeline{processor: processor, store: store, lifecycle: svc, transport: sender}
}

func singleRecord(t *testing.T, store *lifecycle.MemoryStore) *lifecycle.Notification {
	t.Helper()
	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error listing records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(records))
	}
	return records[0]
}

func TestProcessDeliversVerificationEmail(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, nil)

	job := queue.NewJob("email-verification", []byte(verificationEnvelope), 3)
	res := p.processor.Process(context.Background(), job)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.MessageID != "msg-1" || res.UserID != "u1" || res.Email != "user@example.com" {
		t.Fatalf("unexpected result fields: %+v", res)
	}

	if p.transport.last.To != "user@example.com" || p.transport.last.Subject != "Confirm your email address" {
		t.Fatalf("unexpected outbound message: %+v", p.transport.last)
	}
	wantBody := "<mj-text>Hi ana, visit https://example.com/verify?token=tok-123 before 12.10.2025 10:00</mj-text>"
	if p.transport.last.HTMLBody != wantBody {
		t.Fatalf("unexpected rendered body: %q", p.transport.last.HTMLBody)
	}

	rec := singleRecord(t, p.store)
	if rec.Status != lifecycle.StatusSent || rec.AttemptCount != 1 || rec.ExternalID != "msg-1" {
		t.Fatalf("unexpected record state: %+v", rec)
	}
	if rec.Metadata["event_id"] != "e1" || rec.Metadata["producer"] != "auth-service" {
		t.Fatalf("expected envelope metadata on record: %v", rec.Metadata)
	}
}

func TestProcessPrefersActiveCatalogTemplate(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, nil)

	if _, err := p.lifecycle.SaveTemplateVersion(context.Background(), lifecycle.Template{
		Code:         "email-verification",
		Name:         "Email verification",
		Subject:      "Verify your account",
		BodyTemplate: "<mj-text>Welcome {{username}}, confirm at {{verificationLink}}</mj-text>",
	}); err != nil {
		t.Fatalf("unexpected error publishing template: %v", err)
	}

	job := queue.NewJob("email-verification", []byte(verificationEnvelope), 3)
	res := p.processor.Process(context.Background(), job)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if p.transport.last.Subject != "Verify your account" {
		t.Fatalf("expected catalog subject, got %q", p.transport.last.Subject)
	}
	wantBody := "<mj-text>Welcome ana, confirm at https://example.com/verify?token=tok-123</mj-text>"
	if p.transport.last.HTMLBody != wantBody {
		t.Fatalf("expected catalog body, got %q", p.transport.last.HTMLBody)
	}
}

func TestProcessUsesExistingRecord(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, nil)

	existing, err := p.lifecycle.Create(context.Background(), lifecycle.CreateParams{
		UserID:    "u1",
		Type:      lifecycle.TypeEmailVerification,
		Recipient: "user@example.com",
		Payload:   []byte(verificationEnvelope),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := queue.NewJob("email-verification", []byte(verificationEnvelope), 3)
	job.NotificationID = existing.ID
	res := p.processor.Process(context.Background(), job)

	if !res.Success || res.NotificationID != existing.ID {
		t.Fatalf("expected success on existing record, got %+v", res)
	}

	rec := singleRecord(t, p.store)
	if rec.ID != existing.ID || rec.Status != lifecycle.StatusSent {
		t.Fatalf("expected existing record updated, got %+v", rec)
	}
}

func TestProcessRejectsInvalidPayload(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, nil)

	job := queue.NewJob("email-verification", []byte(`{"eventId":"e1"}`), 3)
	res := p.processor.Process(context.Background(), job)

	if res.Terminal == nil || res.Terminal.Stage != "validate" {
		t.Fatalf("expected terminal validation failure, got %+v", res)
	}
	if p.transport.calls != 0 {
		t.Fatal("expected no transport call for invalid payload")
	}
}

func TestProcessClassifiesTransportFailureRetryable(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, &transport.Error{StatusCode: 503, StatusText: "503 unavailable"})

	job := queue.NewJob("email-verification", []byte(verificationEnvelope), 3)
	res := p.processor.Process(context.Background(), job)

	if res.Retryable == nil {
		t.Fatalf("expected retryable outcome, got %+v", res)
	}

	rec := singleRecord(t, p.store)
	if rec.Status != lifecycle.StatusFailed || rec.ErrorCode != worker.CodeTransportFailed {
		t.Fatalf("expected FAILED record with transport code, got %+v", rec)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("expected attempt counted, got %d", rec.AttemptCount)
	}
}

func TestProcessMissingTemplateIsTerminal(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, nil)

	processor, err := worker.NewProcessor(worker.PasswordResetSpec("password-reset"), worker.Dependencies{
		Renderer:  mustRenderer(t, mapStore{}),
		Transport: p.transport,
		Lifecycle: p.lifecycle,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resetEnvelope := `{
		"eventId": "e2",
		"eventType": "PasswordResetRequested",
		"eventVersion": 1,
		"occurredAt": "2025-10-11T10:00:00Z",
		"producer": "auth-service",
		"payload": {
			"userId": "u1",
			"email": "user@example.com",
			"username": "ana",
			"token": "tok-9",
			"resetLink": "https://example.com/reset?token=tok-9",
			"expiresAt": "2025-10-12T10:00:00Z"
		}
	}`

	job := queue.NewJob("password-reset", []byte(resetEnvelope), 3)
	res := processor.Process(context.Background(), job)

	if res.Terminal == nil || res.Terminal.Stage != "render" {
		t.Fatalf("expected terminal render failure, got %+v", res)
	}

	rec := singleRecord(t, p.store)
	if rec.ErrorCode != worker.CodeTemplateLoad {
		t.Fatalf("expected template load code, got %q", rec.ErrorCode)
	}
	if p.transport.calls != 0 {
		t.Fatal("expected no transport call when template is missing")
	}
}

func TestProcessSkipsDisabledChannel(t *testing.T) {
	prefs := lifecycle.StaticPreferences{Disabled: map[string][]string{"u1": {lifecycle.ChannelEmail}}}
	p := newPipeline(t, prefs, nil)

	job := queue.NewJob("email-verification", []byte(verificationEnvelope), 3)
	res := p.processor.Process(context.Background(), job)

	if !res.Skipped {
		t.Fatalf("expected skipped outcome, got %+v", res)
	}
	if p.transport.calls != 0 {
		t.Fatal("expected no transport call for disabled channel")
	}

	rec := singleRecord(t, p.store)
	if rec.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected CANCELLED record, got %s", rec.Status)
	}
	if rec.AttemptCount != 0 {
		t.Fatalf("expected no attempt consumed, got %d", rec.AttemptCount)
	}
}

func TestProcessTerminalWhenAttemptsExhausted(t *testing.T) {
	p := newPipeline(t, lifecycle.AllowAll{}, nil)

	existing, err := p.lifecycle.Create(context.Background(), lifecycle.CreateParams{
		UserID:      "u1",
		Recipient:   "user@example.com",
		MaxAttempts: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, status := range []lifecycle.Status{lifecycle.StatusProcessing, lifecycle.StatusFailed} {
		if _, err := p.lifecycle.UpdateStatus(context.Background(), existing.ID, status, lifecycle.TransitionContext{}); err != nil {
			t.Fatalf("setup transition failed: %v", err)
		}
	}

	job := queue.NewJob("email-verification", []byte(verificationEnvelope), 1)
	job.NotificationID = existing.ID
	res := p.processor.Process(context.Background(), job)

	if res.Terminal == nil {
		t.Fatalf("expected terminal outcome for exhausted record, got %+v", res)
	}
	if !errors.Is(res.Terminal.Err, lifecycle.ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", res.Terminal.Err)
	}
}

func mustRenderer(t *testing.T, store template.Store) *template.Renderer {
	t.Helper()
	r, err := template.NewRenderer(store, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error creating renderer: %v", err)
	}
	return r
}

package transport_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/config"
	"github.com/example/notification-dispatch/internal/transport"
)

func apiConfig(baseURL string) config.EmailAPIConfig {
	return config.EmailAPIConfig{
		BaseURL:     baseURL,
		Token:       "secret-token",
		SenderEmail: "noreply@example.com",
		SenderName:  "Example",
	}
}

func TestAPITransportSend(t *testing.T) {
	var captured struct {
		path    string
		auth    string
		payload map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured.payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": true, "id": "msg-42"})
	}))
	defer srv.Close()

	tr, err := transport.NewAPITransport(apiConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receipt, err := tr.Send(context.Background(), &transport.Message{
		To:       "user@example.com",
		ToName:   "ana",
		Subject:  "Confirm your email address",
		HTMLBody: "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if receipt.MessageID != "msg-42" {
		t.Fatalf("expected provider message id, got %q", receipt.MessageID)
	}

	if captured.path != "/smtp/emails" {
		t.Fatalf("unexpected request path %q", captured.path)
	}
	if captured.auth != "Bearer secret-token" {
		t.Fatalf("unexpected authorization header %q", captured.auth)
	}

	email, ok := captured.payload["email"].(map[string]any)
	if !ok {
		t.Fatalf("request missing email object: %v", captured.payload)
	}
	wantHTML := base64.StdEncoding.EncodeToString([]byte("<p>hello</p>"))
	if email["html"] != wantHTML {
		t.Fatalf("expected base64 html body, got %v", email["html"])
	}
	if email["auto_plain_text"] != true {
		t.Fatalf("expected auto_plain_text for html-only message, got %v", email["auto_plain_text"])
	}
}

func TestAPITransportNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr, err := transport.NewAPITransport(apiConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = tr.Send(context.Background(), &transport.Message{To: "user@example.com", HTMLBody: "<p>x</p>"})
	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %v", err)
	}
	if terr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", terr.StatusCode)
	}
}

func TestAPITransportProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": false})
	}))
	defer srv.Close()

	tr, err := transport.NewAPITransport(apiConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := tr.Send(context.Background(), &transport.Message{To: "user@example.com", HTMLBody: "x"}); err == nil {
		t.Fatal("expected error when provider reports failure")
	}
}

func TestAPITransportNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	tr, err := transport.NewAPITransport(apiConfig(srv.URL), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = tr.Send(context.Background(), &transport.Message{To: "user@example.com", HTMLBody: "x"})
	var terr *transport.Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %v", err)
	}
	if terr.Err == nil {
		t.Fatal("expected wrapped network error")
	}
}

func TestAPITransportRejectsEmptyRecipient(t *testing.T) {
	tr, err := transport.NewAPITransport(apiConfig("https://api.example.com"), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.Send(context.Background(), &transport.Message{}); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

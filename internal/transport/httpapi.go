package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/config"
)

// apiEmail mirrors the provider's wire format for POST /smtp/emails.
type apiEmail struct {
	HTML          string         `json:"html,omitempty"`
	Text          string         `json:"text,omitempty"`
	Subject       string         `json:"subject"`
	From          apiAddress     `json:"from"`
	To            []apiRecipient `json:"to"`
	AutoPlainText bool           `json:"auto_plain_text,omitempty"`
}

type apiAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type apiRecipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type apiRequest struct {
	Email apiEmail `json:"email"`
}

type apiResponse struct {
	Result bool   `json:"result"`
	ID     string `json:"id"`
}

// HTTPDoer abstracts *http.Client for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIOption configures the HTTP API transport.
type APIOption func(*APITransport)

// WithHTTPClient swaps the HTTP client used for outbound requests.
func WithHTTPClient(client HTTPDoer) APIOption {
	return func(t *APITransport) {
		if client != nil {
			t.client = client
		}
	}
}

// APITransport delivers messages through the third-party HTTP email API.
// The HTML body is base64 encoded per the provider's wire format and every
// request carries the bearer credential.
type APITransport struct {
	logger      zerolog.Logger
	client      HTTPDoer
	baseURL     string
	token       string
	senderEmail string
	senderName  string
}

// NewAPITransport constructs a Transport backed by the HTTP email API.
func NewAPITransport(cfg config.EmailAPIConfig, logger zerolog.Logger, opts ...APIOption) (*APITransport, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("api transport: base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("api transport: bearer token is required")
	}
	if strings.TrimSpace(cfg.SenderEmail) == "" {
		return nil, errors.New("api transport: sender email is required")
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	t := &APITransport{
		logger:      logger,
		client:      &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	return t, nil
}

// Send issues one POST /smtp/emails call. Non-2xx responses and network
// level failures are both converted to *Error; raw errors never escape this
// boundary.
func (t *APITransport) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg == nil {
		return nil, &Error{StatusText: "message is required"}
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, &Error{StatusText: "recipient is required"}
	}

	email := apiEmail{
		Subject: msg.Subject,
		From:    apiAddress{Email: t.senderEmail, Name: t.senderName},
		To:      []apiRecipient{{Email: msg.To, Name: msg.ToName}},
	}
	if msg.HTMLBody != "" {
		email.HTML = base64.StdEncoding.EncodeToString([]byte(msg.HTMLBody))
		if msg.TextBody == "" {
			email.AutoPlainText = true
		}
	}
	if msg.TextBody != "" {
		email.Text = msg.TextBody
	}

	payload, err := json.Marshal(apiRequest{Email: email})
	if err != nil {
		return nil, &Error{StatusText: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/smtp/emails", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{StatusText: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn().Str("to", msg.To).Err(err).Msg("email api request failed")
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a bounded amount of the body for the log line only.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		t.logger.Warn().
			Str("to", msg.To).
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("email api returned non-2xx")
		return nil, &Error{StatusCode: resp.StatusCode, StatusText: resp.Status}
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{StatusText: "decode response", Err: err}
	}
	if !parsed.Result {
		return nil, &Error{StatusCode: resp.StatusCode, StatusText: "provider reported failure"}
	}
	if parsed.ID == "" {
		return nil, &Error{StatusCode: resp.StatusCode, StatusText: "provider response missing message id"}
	}

	t.logger.Debug().Str("to", msg.To).Str("message_id", parsed.ID).Msg("email api send succeeded")
	return &Receipt{MessageID: parsed.ID}, nil
}

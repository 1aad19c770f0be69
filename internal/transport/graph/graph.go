// Package graph delivers mail through the Microsoft Graph sendMail
// endpoint with a delegated bearer token.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/settings"
)

// DefaultBaseURL is the worldwide Graph endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Options carries the collaborators a Transport needs beyond the stored
// settings.
type Options struct {
	// Bearer is the delegated access token. The caller obtains a fresh
	// one before each send; the transport never refreshes on its own.
	Bearer string
	// HTTPClient defaults to a 30-second-timeout client.
	HTTPClient *http.Client
	// BaseURL overrides the Graph endpoint for sovereign clouds and tests.
	BaseURL string
	// PlaceholderFrom is the relay's synthetic sender address; a
	// reply-to matching it is dropped from the payload.
	PlaceholderFrom string
	Log             *slog.Logger
}

// Transport sends messages through the authorized mailbox.
type Transport struct {
	bearer          string
	saveToSent      bool
	client          *http.Client
	baseURL         string
	placeholderFrom string
	log             *slog.Logger
}

// New validates the settings and builds the transport.
func New(t *settings.Transport, opts Options) (*Transport, error) {
	if t.GraphFrom == "" {
		return nil, errors.New("graph sender address is not configured")
	}
	if opts.Bearer == "" {
		return nil, errors.New("graph access token is missing")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Transport{
		bearer:          opts.Bearer,
		saveToSent:      t.GraphSaveToSent,
		client:          client,
		baseURL:         strings.TrimRight(baseURL, "/"),
		placeholderFrom: opts.PlaceholderFrom,
		log:             log,
	}, nil
}

// Name identifies the transport in logs and audit entries.
func (t *Transport) Name() string {
	return "cloud_api"
}

// Send performs a single sendMail POST against the delegated /me
// endpoint. HTTP 202 is the only success signal; any other status is
// surfaced through the Graph error envelope when one is present. No
// retries happen here: the relay reports one outcome per attempt.
func (t *Transport) Send(ctx context.Context, msg *email.Email) error {
	payload, err := json.Marshal(buildSendMailRequest(msg, t.placeholderFrom, t.saveToSent))
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/me/sendMail", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.bearer)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph send request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		t.log.Info("email sent via graph",
			"recipients", len(msg.To)+len(msg.Cc)+len(msg.Bcc))
		return nil
	}

	return decodeError(resp)
}

// SendError describes a rejected sendMail call.
type SendError struct {
	Status  int
	Code    string
	Message string
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph rejected the send (HTTP %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("graph rejected the send (HTTP %d): %s", e.Status, e.Message)
}

// AuthRelated reports whether the rejection looks like a credential
// problem rather than a message problem.
func (e *SendError) AuthRelated() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// decodeError turns a non-202 response into a SendError, preferring the
// structured error envelope over the raw body.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope errorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &SendError{
			Status:  resp.StatusCode,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}
	return &SendError{
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(body)),
	}
}

// Package remote delivers queued actions to the sync backend. Each queue
// entry maps 1:1 onto one of the five logical operations; the action ID
// rides along as the idempotency key so a replayed delivery whose ack was
// lost is a server-side no-op.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dosewatch/internal/model"
)

// API is what the offline queue drains into.
type API interface {
	Deliver(ctx context.Context, action model.QueuedAction) error
}

var pathForKind = map[model.ActionKind]string{
	model.ActionTakeDose1:     "/v1/doses/take",
	model.ActionTakeDose2:     "/v1/doses/take",
	model.ActionSkipDose2:     "/v1/doses/skip",
	model.ActionSnooze:        "/v1/doses/snooze",
	model.ActionLogEvent:      "/v1/events",
	model.ActionDeleteSession: "/v1/sessions/delete",
	model.ActionExportStats:   "/v1/analytics/export",
}

type Client struct {
	baseURL     string
	deviceToken string
	httpClient  *http.Client
}

func NewClient(baseURL, deviceToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		deviceToken: deviceToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type deliveryBody struct {
	Kind       string          `json:"kind"`
	SessionKey string          `json:"session_key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (c *Client) Deliver(ctx context.Context, action model.QueuedAction) error {
	path, ok := pathForKind[action.Kind]
	if !ok {
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
	body := deliveryBody{
		Kind:       string(action.Kind),
		SessionKey: action.SessionKey,
	}
	if strings.TrimSpace(action.Payload) != "" {
		body.Payload = json.RawMessage(action.Payload)
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", action.ID)
	if c.deviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.deviceToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return errorForStatus(resp.StatusCode)
}

// Ping reports backend reachability; the connectivity probe uses it.
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func errorForStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.ErrDeviceNotRegistered
	case status == http.StatusConflict:
		return model.ErrAlreadyTaken
	case status == http.StatusTooManyRequests:
		return model.ErrRateLimited
	case status >= 500:
		return &TransportError{Err: fmt.Errorf("server error: http %d", status)}
	default:
		return fmt.Errorf("delivery rejected: http %d", status)
	}
}

// TransportError marks a network-level failure that retry can heal.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable classifies delivery failures for the queue: transport faults
// and rate limits are retried with backoff, everything else is terminal
// for the entry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, model.ErrRateLimited)
}

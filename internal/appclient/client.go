// Package appclient is the HTTP client for the dosewatchd unix socket,
// shared by the CLI and anything else that talks to the daemon in-host.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dosewatch/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	switch {
	case code != "" && message != "":
		return fmt.Sprintf("%s: %s", code, message)
	case code != "":
		return code
	case message != "":
		return message
	default:
		return fmt.Sprintf("http %d", e.StatusCode)
	}
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return decodeInto[api.HealthResponse](c.request(ctx, http.MethodGet, "/v1/health", nil, nil))
}

func (c *Client) Session(ctx context.Context) (api.SessionEnvelope, error) {
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodGet, "/v1/session", nil, nil))
}

func (c *Client) TakeDose1(ctx context.Context, at time.Time) (api.SessionEnvelope, error) {
	return c.postDose(ctx, "/v1/actions/dose1", at)
}

func (c *Client) TakeDose2(ctx context.Context, at time.Time) (api.SessionEnvelope, error) {
	return c.postDose(ctx, "/v1/actions/dose2", at)
}

func (c *Client) SkipDose2(ctx context.Context) (api.SessionEnvelope, error) {
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodPost, "/v1/actions/skip", nil, nil))
}

func (c *Client) Snooze(ctx context.Context) (api.SessionEnvelope, error) {
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodPost, "/v1/actions/snooze", nil, nil))
}

func (c *Client) Undo(ctx context.Context) (api.SessionEnvelope, error) {
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodPost, "/v1/actions/undo", nil, nil))
}

func (c *Client) Export(ctx context.Context) (api.SessionEnvelope, error) {
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodPost, "/v1/actions/export", nil, nil))
}

func (c *Client) LogEvent(ctx context.Context, eventType, payload string) (api.EventResponse, error) {
	req := api.EventRequest{EventType: eventType, Payload: payload}
	return decodeInto[api.EventResponse](c.request(ctx, http.MethodPost, "/v1/events", nil, req))
}

func (c *Client) Events(ctx context.Context) (api.EventsEnvelope, error) {
	return decodeInto[api.EventsEnvelope](c.request(ctx, http.MethodGet, "/v1/events", nil, nil))
}

func (c *Client) Queue(ctx context.Context) (api.QueueEnvelope, error) {
	return decodeInto[api.QueueEnvelope](c.request(ctx, http.MethodGet, "/v1/queue", nil, nil))
}

// DeleteSession removes a session by key; an empty key targets the session
// the daemon currently owns.
func (c *Client) DeleteSession(ctx context.Context, key string) (api.SessionEnvelope, error) {
	query := url.Values{}
	if k := strings.TrimSpace(key); k != "" {
		query.Set("key", k)
	}
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodDelete, "/v1/session", query, nil))
}

func (c *Client) SetConnectivity(ctx context.Context, online bool) error {
	_, err := c.request(ctx, http.MethodPost, "/v1/connectivity", nil, map[string]bool{"online": online})
	return err
}

func (c *Client) Watch(ctx context.Context) (api.WatchLine, error) {
	return decodeInto[api.WatchLine](c.request(ctx, http.MethodGet, "/v1/watch", nil, nil))
}

func (c *Client) postDose(ctx context.Context, path string, at time.Time) (api.SessionEnvelope, error) {
	req := api.DoseRequest{}
	if !at.IsZero() {
		req.At = at.Format(time.RFC3339)
	}
	return decodeInto[api.SessionEnvelope](c.request(ctx, http.MethodPost, path, nil, req))
}

func decodeInto[T any](payload []byte, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

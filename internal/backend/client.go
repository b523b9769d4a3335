// Package backend implements the REST client for the backing opencode
// server.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
)

// basicAuthUser is the fixed username the backend pairs with the
// configured credential.
const basicAuthUser = "opencode"

// maxErrorBodySize caps how much of an error response body gets captured
// into an APIError.
const maxErrorBodySize = 4 * 1024

// ModelRef names a provider/model pair for a message.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// Message is an outbound message to a session. Text is required; the
// rest is optional.
type Message struct {
	Text      string
	Agent     string
	Model     *ModelRef
	MessageID string
}

func (m Message) body() map[string]any {
	body := map[string]any{
		"parts": []map[string]any{{"type": "text", "text": m.Text}},
	}

	if m.Agent != "" {
		body["agent"] = m.Agent
	}

	if m.Model != nil {
		body["model"] = m.Model
	}

	if m.MessageID != "" {
		body["messageID"] = m.MessageID
	}

	return body
}

// Client talks to a backend server over its REST API. Safe for
// concurrent use.
type Client struct {
	log        *slog.Logger
	baseURL    string
	credential string

	// client handles request/response calls and carries the configured
	// request timeout. streaming has no timeout so event streams can
	// stay open indefinitely; their lifetime is bound by context.
	client    *http.Client
	streaming *http.Client
}

// New creates a client for the backend at baseURL
// (e.g. "http://127.0.0.1:4096"). The credential may be empty.
func New(log *slog.Logger, baseURL, credential string, requestTimeout time.Duration) *Client {
	return &Client{
		log:        log.With("component", "backend"),
		baseURL:    baseURL,
		credential: credential,
		client:     &http.Client{Timeout: requestTimeout},
		streaming:  &http.Client{},
	}
}

// Health fetches the backend's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.doJSON(ctx, http.MethodGet, "/global/health", nil)
}

// ListAgents returns the agents the backend exposes. The backend has
// answered both with a bare list and with a {"data": [...]} envelope
// across versions; both are accepted.
func (c *Client) ListAgents(ctx context.Context) ([]map[string]any, error) {
	raw, err := c.do(ctx, http.MethodGet, "/agent", nil)
	if err != nil {
		return nil, err
	}

	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var envelope struct {
		Data []map[string]any `json:"data"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &bridgeerr.APIError{Status: http.StatusOK, Err: fmt.Errorf("unexpected agents response: %w", err)}
	}

	return envelope.Data, nil
}

// CreateSession creates a new backend session. Title and parentID are
// optional.
func (c *Client) CreateSession(ctx context.Context, title, parentID string) (map[string]any, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}

	if parentID != "" {
		body["parentID"] = parentID
	}

	session, err := c.doJSON(ctx, http.MethodPost, "/session", body)
	if err != nil {
		return nil, err
	}

	c.log.Info("Session created", "session_id", session["id"])

	return session, nil
}

// GetSession fetches a session's details.
func (c *Client) GetSession(ctx context.Context, sessionID string) (map[string]any, error) {
	return c.doJSON(ctx, http.MethodGet, "/session/"+sessionID, nil)
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/session/"+sessionID, nil); err != nil {
		return err
	}

	c.log.Info("Session deleted", "session_id", sessionID)

	return nil
}

// SendMessage sends a message to a session and waits for the assistant's
// reply. The returned map carries the backend's message document
// ("info" and "parts").
func (c *Client) SendMessage(ctx context.Context, sessionID string, msg Message) (map[string]any, error) {
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/message", msg.body())
}

// SendMessageAsync submits a message without waiting for the reply. The
// backend acknowledges with 204 No Content; the reply arrives on the
// session's event stream.
func (c *Client) SendMessageAsync(ctx context.Context, sessionID string, msg Message) error {
	_, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", msg.body())

	return err
}

// AbortSession aborts whatever the session is currently doing.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil); err != nil {
		return err
	}

	c.log.Info("Session aborted", "session_id", sessionID)

	return nil
}

// Messages returns the messages in a session. A limit of 0 means no
// limit.
func (c *Client) Messages(ctx context.Context, sessionID string, limit int) ([]map[string]any, error) {
	path := "/session/" + sessionID + "/message"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var envelope struct {
		Data []map[string]any `json:"data"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &bridgeerr.APIError{Status: http.StatusOK, Err: fmt.Errorf("unexpected messages response: %w", err)}
	}

	return envelope.Data, nil
}

// OpenEvents opens the server-sent event stream for a session. The
// returned body stays open until closed by the caller or until ctx is
// cancelled; feeding it to sse.Events is the expected use.
func (c *Client) OpenEvents(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session/"+sessionID+"/events", nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, &bridgeerr.BackendConnectionError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()

		return nil, &bridgeerr.APIError{Status: resp.StatusCode, Body: string(body)}
	}

	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.credential != "" {
		req.SetBasicAuth(basicAuthUser, c.credential)
	}
}

// do performs one request and returns the raw response body. Network
// failures come back as BackendConnectionError, non-2xx statuses as
// APIError.
func (c *Client) do(ctx context.Context, method, path string, body map[string]any) ([]byte, error) {
	var payload io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}

		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &bridgeerr.BackendConnectionError{Err: err}
	}

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &bridgeerr.BackendConnectionError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(raw) > maxErrorBodySize {
			raw = raw[:maxErrorBodySize]
		}

		return nil, &bridgeerr.APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	return raw, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body map[string]any) (map[string]any, error) {
	raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		return nil, &bridgeerr.APIError{Status: http.StatusOK, Err: fmt.Errorf("empty response from backend")}
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &bridgeerr.APIError{Status: http.StatusOK, Err: fmt.Errorf("invalid JSON response: %w", err)}
	}

	return decoded, nil
}

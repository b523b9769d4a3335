// Package health probes the backend server for liveness.
//
// The backend may or may not expose a dedicated health endpoint, so the
// checker is tolerant: a structured health response is trusted when
// present, and a plain 200 from the session listing endpoint is accepted
// as sufficient evidence of liveness otherwise.
package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// basicAuthUser is the fixed username the backend expects alongside the
// configured credential.
const basicAuthUser = "opencode"

// Result is the outcome of a single health check. Ephemeral: recomputed
// on every call, never persisted.
type Result struct {
	Healthy   bool
	Detail    map[string]any
	CheckedAt time.Time
}

// Checker probes a backend target. Safe for concurrent use.
type Checker struct {
	log        *slog.Logger
	baseURL    string
	credential string
	client     *http.Client
}

// New creates a health checker for the given backend base URL
// (e.g. "http://127.0.0.1:4096"). The credential may be empty.
func New(log *slog.Logger, baseURL, credential string) *Checker {
	return &Checker{
		log:        log.With("component", "health"),
		baseURL:    baseURL,
		credential: credential,
		client:     &http.Client{},
	}
}

// Check performs one health check with the given per-endpoint timeout.
//
// The primary readiness endpoint is tried first; a 200 with a JSON body
// carrying a boolean "healthy" flag is trusted either way. A 200 without
// a usable flag falls through to the session listing endpoint, where any
// 200 counts as healthy. No retries happen here - retry cadence belongs
// to the caller.
func (c *Checker) Check(ctx context.Context, timeout time.Duration) Result {
	result := Result{CheckedAt: time.Now()}

	if healthy, detail, decided := c.checkPrimary(ctx, timeout); decided {
		result.Healthy = healthy
		result.Detail = detail

		return result
	}

	result.Healthy = c.checkSecondary(ctx, timeout)

	return result
}

// checkPrimary probes the dedicated health endpoint. The third return
// value reports whether the response was decisive; false falls through
// to the secondary endpoint.
func (c *Checker) checkPrimary(ctx context.Context, timeout time.Duration) (bool, map[string]any, bool) {
	body, status, err := c.get(ctx, "/global/health", timeout)
	if err != nil {
		c.log.Debug("Primary health endpoint unreachable", "error", err)

		return false, nil, false
	}

	if status != http.StatusOK {
		c.log.Debug("Primary health endpoint returned non-200", "status", status)

		return false, nil, false
	}

	var detail map[string]any
	if err := json.Unmarshal(body, &detail); err != nil {
		c.log.Debug("Primary health response is not JSON", "error", err)

		return false, nil, false
	}

	healthy, ok := detail["healthy"].(bool)
	if !ok {
		c.log.Debug("Primary health response has no healthy flag")

		return false, detail, false
	}

	return healthy, detail, true
}

// checkSecondary treats any 200 from the session listing as liveness.
func (c *Checker) checkSecondary(ctx context.Context, timeout time.Duration) bool {
	_, status, err := c.get(ctx, "/session", timeout)
	if err != nil {
		c.log.Debug("Secondary health endpoint unreachable", "error", err)

		return false
	}

	if status < 200 || status > 299 {
		c.log.Debug("Secondary health endpoint returned error status", "status", status)

		return false
	}

	return true
}

func (c *Checker) get(ctx context.Context, path string, timeout time.Duration) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}

	if c.credential != "" {
		req.SetBasicAuth(basicAuthUser, c.credential)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}

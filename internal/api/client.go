package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"marketsync/internal/domain"
	"marketsync/internal/infra"
)

const maxErrorBody = 64 << 10

// Request describes one backend call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any // JSON-encoded when non-nil
}

// DeviceIDSource provides the installation id sent as X-Device-ID.
type DeviceIDSource interface {
	DeviceID(ctx context.Context) (string, error)
}

// Client is the raw backend transport. It attaches headers and maps failures
// onto the domain error taxonomy but never refreshes credentials.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *infra.RateLimiter
	breaker    *infra.CircuitBreaker
	devices    DeviceIDSource
}

// NewClient creates a backend client from configuration. devices may be nil.
func NewClient(cfg *infra.Config, devices DeviceIDSource) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.Backend.BaseURL, "/"),
		userAgent:  cfg.Backend.UserAgent,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		limiter:    infra.NewRateLimiter(cfg.Backend.RateLimit.Burst, cfg.Backend.RateLimit.PerSecond),
		breaker:    infra.NewCircuitBreaker(infra.BreakerConfigFrom("backend", cfg)),
		devices:    devices,
	}
}

// Do sends req with the given bearer token ("" for none) and decodes a 2xx
// JSON body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, token string, out any) error {
	if !c.breaker.Allow() {
		return &domain.NetworkError{Err: infra.ErrCircuitOpen}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.NetworkError{Err: err}
	}

	httpReq, err := c.newRequest(ctx, req, token)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure()
		return &domain.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		be := &domain.BackendError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, body)}
		slog.Debug("Backend rejected request",
			slog.String("method", httpReq.Method),
			slog.String("path", req.Path),
			slog.Int("status", resp.StatusCode))
		return be
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", req.Path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, req Request, token string) (*http.Request, error) {
	u := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", req.Path, err)
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Path, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if c.devices != nil {
		if id, err := c.devices.DeviceID(ctx); err == nil {
			httpReq.Header.Set("X-Device-ID", id)
		} else {
			slog.Warn("Device id unavailable", slog.Any("error", err))
		}
	}
	return httpReq, nil
}

// errorMessage extracts the structured error field of a backend error body.
func errorMessage(status int, body []byte) string {
	var payload map[string]any
	if json.Unmarshal(body, &payload) == nil {
		for _, field := range []string{"detail", "message", "error"} {
			if msg := stringField(payload[field]); msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// stringField accepts a plain string or a validation list
// ([{"msg": "..."}]) as produced by the backend framework.
func stringField(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		var msgs []string
		for _, entry := range val {
			if m, ok := entry.(map[string]any); ok {
				if s, ok := m["msg"].(string); ok && s != "" {
					msgs = append(msgs, s)
				}
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

// Package analysis invokes the backend analysis service for pipeline stages.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"engagementcore/internal/pipeline"
	"engagementcore/internal/telemetry"
)

var _ pipeline.Collaborator = (*HTTPCollaborator)(nil)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Stage      string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("analysis %s: status %d", e.Stage, e.StatusCode)
	}
	return fmt.Sprintf("analysis %s: status %d: %s", e.Stage, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Option configures an HTTPCollaborator.
type Option func(*HTTPCollaborator)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPCollaborator) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sends a bearer token on every call.
func WithToken(token string) Option {
	return func(c *HTTPCollaborator) { c.token = token }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPCollaborator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// HTTPCollaborator posts StageInput to
// POST {base}/v1/engagements/{engagement}/stages/{stage}/analyze and returns
// the JSON response body as the artifact payload.
type HTTPCollaborator struct {
	base   string
	token  string
	http   *http.Client
	logger *slog.Logger
}

// New returns a collaborator for the service at baseURL.
func New(baseURL string, timeout time.Duration, opts ...Option) *HTTPCollaborator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	c := &HTTPCollaborator{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: telemetry.Component(nil, "analysis"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke implements pipeline.Collaborator.
func (c *HTTPCollaborator) Invoke(ctx context.Context, input pipeline.StageInput) (json.RawMessage, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode stage input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/engagements/%s/stages/%s/analyze",
		c.base, url.PathEscape(input.EngagementID), url.PathEscape(string(input.Stage)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis %s: %w", input.Stage, err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("analysis %s: read response: %w", input.Stage, err)
	}
	c.logger.Debug("analysis call", "stage", input.Stage, "area", input.Area, "status", resp.StatusCode, "duration", time.Since(started))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(payload))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, &StatusError{Stage: string(input.Stage), StatusCode: resp.StatusCode, Body: msg}
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("analysis %s: response is not JSON", input.Stage)
	}
	return json.RawMessage(payload), nil
}

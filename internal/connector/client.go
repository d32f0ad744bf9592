// Package connector talks to third-party payroll and accounting systems. It
// authenticates with the OAuth2 client-credentials grant, limits the request
// rate per provider, and pulls full record snapshots for one entity kind.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

// Provider describes one external system.
type Provider struct {
	Name     string
	BaseURL  string
	TokenURL string
	Scopes   []string
	// RequestsPerSecond and Burst bound calls to the provider API; zero means unlimited.
	RequestsPerSecond float64
	Burst             int
}

// Credentials are the client-credentials pair issued by the provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport used for token and API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client holds the provider registry and one rate limiter per provider.
type Client struct {
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	http      *http.Client
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// New returns a Client for providers.
func New(providers []Provider, opts ...Option) *Client {
	c := &Client{
		providers: make(map[string]Provider, len(providers)),
		limiters:  make(map[string]*rate.Limiter, len(providers)),
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    telemetry.Component(nil, "connector"),
	}
	for _, p := range providers {
		c.providers[p.Name] = p
		limit := rate.Inf
		if p.RequestsPerSecond > 0 {
			limit = rate.Limit(p.RequestsPerSecond)
		}
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiters[p.Name] = rate.NewLimiter(limit, burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = telemetry.OrNew(c.metrics)
	return c
}

// Providers lists the configured provider names.
func (c *Client) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for name := range c.providers {
		out = append(out, name)
	}
	return out
}

// Connect validates creds by fetching a token and returns a handle bound to
// the provider. Rejected credentials yield domain.AuthError; anything else
// that prevents reaching the token endpoint yields domain.ConnectionError.
func (c *Client) Connect(ctx context.Context, provider string, creds Credentials) (*Handle, error) {
	p, ok := c.providers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	cfg := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     p.TokenURL,
		Scopes:       p.Scopes,
	}
	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	if _, err := cfg.Token(tokenCtx); err != nil {
		err = classify(p.Name, err)
		c.logger.Warn("connect failed", "provider", p.Name, "error", err)
		return nil, err
	}
	// The handle outlives ctx; token refreshes run on a detached context.
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
	return &Handle{
		client:   c,
		provider: p,
		limiter:  c.limiters[p.Name],
		http:     cfg.Client(refreshCtx),
	}, nil
}

// Handle is an authenticated link to one provider.
type Handle struct {
	client   *Client
	provider Provider
	limiter  *rate.Limiter

	mu       sync.Mutex
	inFlight bool
	http     *http.Client
}

// Provider returns the provider name.
func (h *Handle) Provider() string { return h.provider.Name }

type recordsEnvelope struct {
	Records []json.RawMessage `json:"records"`
}

// Records pulls the provider's full snapshot of kind from
// GET {base}/v1/{kind}. Only one pull per handle may be in flight.
func (h *Handle) Records(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error) {
	h.mu.Lock()
	if h.inFlight {
		h.mu.Unlock()
		return nil, domain.ErrInFlight
	}
	h.inFlight = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inFlight = false
		h.mu.Unlock()
	}()

	records, err := h.fetch(ctx, kind)
	outcome := telemetry.OutcomeSuccess
	if err != nil {
		outcome = telemetry.OutcomeFailure
		h.client.logger.Warn("sync fetch failed", "provider", h.provider.Name, "kind", kind, "error", err)
	}
	h.client.metrics.SyncOutcomes.WithLabelValues(h.provider.Name, outcome).Inc()
	return records, err
}

func (h *Handle) fetch(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, domain.ConnectionError{Provider: h.provider.Name, Err: err}
	}
	url := strings.TrimRight(h.provider.BaseURL, "/") + "/v1/" + string(kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, classify(h.provider.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.AuthError{Provider: h.provider.Name, Err: statusError(resp)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, domain.ConnectionError{Provider: h.provider.Name, Err: statusError(resp)}
	}

	var env recordsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, domain.ConnectionError{Provider: h.provider.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	out := make([]domain.Entity, 0, len(env.Records))
	for i, raw := range env.Records {
		e, err := domain.DecodeEntity(kind, raw)
		if err != nil {
			return nil, domain.ConnectionError{Provider: h.provider.Name, Err: fmt.Errorf("record %d: %w", i, err)}
		}
		out = append(out, e)
	}
	return out, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
}

// classify maps token and transport failures onto the sync error taxonomy.
func classify(provider string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return domain.AuthError{Provider: provider, Err: err}
		}
	}
	return domain.ConnectionError{Provider: provider, Err: err}
}

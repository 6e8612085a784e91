// Package client provides the retrying HTTP client for the Athena backend:
// failure classification, bounded exponential-backoff retry with credential
// refresh on authentication failures, and response envelope decoding.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/athena-ai/athena-link/metrics"
	"github.com/athena-ai/athena-link/wire"
)

// maxResponseSize limits response bodies to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// defaultTimeout is the per-request timeout.
const defaultTimeout = 30 * time.Second

// CredentialSource supplies the auth header for outbound requests.
type CredentialSource interface {
	// AuthHeader returns the header name and value for the current
	// credential, or ok=false when no credential is held.
	AuthHeader() (name, value string, ok bool)
}

// Client performs REST calls against the backend. Every call goes through the
// retry executor; single-attempt variants exist for health probing.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	creds      CredentialSource
	exec       *Executor
	logger     *slog.Logger
	metrics    *metrics.Metrics

	retryCfg  RetryConfig
	refresher Refresher
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCredentials sets the credential source attached to outbound requests.
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) {
		c.creds = src
	}
}

// WithClientRefresher sets the refresher invoked after a 401 response.
func WithClientRefresher(r Refresher) Option {
	return func(c *Client) {
		c.refresher = r
	}
}

// New creates a Client for the given base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, &APIError{
			Kind:    KindInvalidRequest,
			Message: fmt.Sprintf("invalid base URL %q", baseURL),
			err:     err,
		}
	}

	c := &Client{
		baseURL:  parsed,
		retryCfg: DefaultRetryConfig(),
		logger:   slog.Default(),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.exec = NewExecutor(c.retryCfg,
		WithExecutorLogger(c.logger),
		WithExecutorMetrics(c.metrics),
		WithRefresher(c.refresher),
	)
	return c, nil
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Executor returns the retry executor so collaborators can wrap their own
// operations with the same policy.
func (c *Client) Executor() *Executor {
	return c.exec
}

// Get performs a retried GET and decodes the response data into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Execute(ctx, "GET "+path, func(ctx context.Context) error {
		return c.Once(ctx, http.MethodGet, path, nil, out)
	})
}

// Post performs a retried POST and decodes the response data into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Execute(ctx, "POST "+path, func(ctx context.Context) error {
		return c.Once(ctx, http.MethodPost, path, body, out)
	})
}

// Execute runs an arbitrary operation through the retry executor.
func (c *Client) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return c.exec.Execute(ctx, name, op)
}

// Status fetches GET /status without retry. Health probing supplies its own
// scheduling and must not stall on backoff sleeps.
func (c *Client) Status(ctx context.Context) (wire.StatusPayload, error) {
	var payload wire.StatusPayload
	if err := c.Once(ctx, http.MethodGet, "/status", nil, &payload); err != nil {
		return wire.StatusPayload{}, err
	}
	return payload, nil
}

// Once performs a single request attempt: no retry, no refresh. The returned
// error is always an *APIError (or a context error).
func (c *Client) Once(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	start := time.Now()

	err := c.once(ctx, method, path, body, out)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.metrics.RequestObserved(op, outcome, time.Since(start))
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path

	target, err := url.JoinPath(c.baseURL.String(), path)
	if err != nil {
		return &APIError{Kind: KindInvalidRequest, Op: op, Message: "invalid request path", err: err}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &APIError{Kind: KindInvalidRequest, Op: op, Message: "encode request body", err: err}
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &APIError{Kind: KindInvalidRequest, Op: op, Message: "build request", err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if name, value, ok := c.creds.AuthHeader(); ok {
			req.Header.Set(name, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ClassifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return ClassifyTransport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ClassifyResponse(op, resp.StatusCode, resp.Header, raw)
	}

	var envelope wire.APIResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &APIError{Kind: KindDecodingFailed, Op: op, Message: "decode response envelope", err: err}
	}
	if !envelope.Success {
		return &APIError{Kind: KindOperationFailed, Op: op, Message: errorText(raw)}
	}

	if out != nil {
		if err := envelope.DecodeData(out); err != nil {
			return &APIError{Kind: KindDecodingFailed, Op: op, Message: "decode response data", err: err}
		}
	}
	return nil
}

// Package dnsprovider implements the DNS adapter capability set (list, add,
// delete, update, test_connection) against an AdGuard-Home-shaped rewrite
// API.
package dnsprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maxfield-allison/rewritesync/internal/metrics"
	"github.com/maxfield-allison/rewritesync/internal/rerrors"
)

// TypeAdguard identifies the AdGuard-Home-shaped rewrite API provider type.
const TypeAdguard = "adguard"

// Record is a single DNS rewrite entry as reported by list().
type Record struct {
	Domain string `json:"domain"`
	Answer string `json:"answer"`
}

// Adapter is the capability set the reconciler consumes. Concrete adapters
// must not leak transport details across this boundary.
type Adapter interface {
	TestConnection(ctx context.Context) bool
	List(ctx context.Context) ([]Record, error)
	Add(ctx context.Context, domain, answer string) error
	Delete(ctx context.Context, domain, answer string) error
	Update(ctx context.Context, domain, oldAnswer, newAnswer string) error
}

// retry policy: base 1s, factor 2, cap 30s, 2 retries.
const (
	retryBase   = 1 * time.Second
	retryFactor = 2
	retryCap    = 30 * time.Second
	maxRetries  = 2
	callTimeout = 5 * time.Second
)

// AdguardClient is the concrete Adapter talking to an AdGuard Home style
// rewrite API over HTTP Basic Auth.
type AdguardClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*AdguardClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *AdguardClient) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *AdguardClient) {
		c.logger = logger
	}
}

// WithBasicAuth sets HTTP Basic Auth credentials.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *AdguardClient) {
		c.username = username
		c.password = password
	}
}

// NewClient creates a new AdGuard Home rewrite API client.
func NewClient(baseURL string, opts ...ClientOption) *AdguardClient {
	c := &AdguardClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs a single HTTP call with no retry. Callers use
// withRetry for the retryable version.
func (c *AdguardClient) doRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			metrics.RecordDNSAPIRequest(endpoint, "error", time.Since(start).Seconds())
			return nil, rerrors.NewPermanent(endpoint, fmt.Errorf("marshaling request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		metrics.RecordDNSAPIRequest(endpoint, "error", time.Since(start).Seconds())
		return nil, rerrors.NewPermanent(endpoint, fmt.Errorf("creating request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordDNSAPIRequest(endpoint, "error", time.Since(start).Seconds())
		return nil, rerrors.NewTransient(endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordDNSAPIRequest(endpoint, "error", time.Since(start).Seconds())
		return nil, rerrors.NewTransient(endpoint, fmt.Errorf("reading response body: %w", err))
	}

	if resp.StatusCode >= 500 {
		metrics.RecordDNSAPIRequest(endpoint, "error", time.Since(start).Seconds())
		return nil, rerrors.NewTransient(endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}
	if resp.StatusCode >= 400 {
		metrics.RecordDNSAPIRequest(endpoint, "error", time.Since(start).Seconds())
		return nil, rerrors.NewPermanent(endpoint, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	metrics.RecordDNSAPIRequest(endpoint, "success", time.Since(start).Seconds())
	return respBody, nil
}

// withRetry retries transport-layer (Transient) failures with exponential
// backoff; a Permanent error returns immediately.
func (c *AdguardClient) withRetry(ctx context.Context, endpoint string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	wait := retryBase
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		body, err := fn(ctx)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !rerrors.IsTransient(err) {
			return nil, err
		}

		if attempt == maxRetries {
			break
		}

		c.logger.Warn("retrying after transient error",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		wait *= retryFactor
		if wait > retryCap {
			wait = retryCap
		}
	}

	return nil, lastErr
}

// TestConnection performs a lightweight liveness probe.
func (c *AdguardClient) TestConnection(ctx context.Context) bool {
	_, err := c.withRetry(ctx, "/control/rewrite/list", func(ctx context.Context) ([]byte, error) {
		return c.doRequest(ctx, http.MethodGet, "/control/rewrite/list", nil)
	})
	return err == nil
}

// List returns every rewrite currently present in the resolver. Malformed
// entries are dropped with a warning rather than failing the whole call.
func (c *AdguardClient) List(ctx context.Context) ([]Record, error) {
	body, err := c.withRetry(ctx, "/control/rewrite/list", func(ctx context.Context) ([]byte, error) {
		return c.doRequest(ctx, http.MethodGet, "/control/rewrite/list", nil)
	})
	if err != nil {
		return nil, fmt.Errorf("listing rewrites: %w", err)
	}

	var raw []map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, rerrors.NewPermanent("/control/rewrite/list", fmt.Errorf("parsing rewrite list: %w", err))
	}

	records := make([]Record, 0, len(raw))
	for _, entry := range raw {
		domain, okD := entry["domain"].(string)
		answer, okA := entry["answer"].(string)
		if !okD || !okA || domain == "" || answer == "" {
			c.logger.Warn("dropping malformed rewrite entry", slog.Any("entry", entry))
			continue
		}
		records = append(records, Record{Domain: domain, Answer: answer})
	}

	return records, nil
}

// Add creates a rewrite entry. Idempotent: if the resolver rejects a
// duplicate, the caller still treats the post-state as "record present".
func (c *AdguardClient) Add(ctx context.Context, domain, answer string) error {
	_, err := c.withRetry(ctx, "/control/rewrite/add", func(ctx context.Context) ([]byte, error) {
		return c.doRequest(ctx, http.MethodPost, "/control/rewrite/add", Record{Domain: domain, Answer: answer})
	})
	if err != nil && !rerrors.IsPermanent(err) {
		return fmt.Errorf("adding rewrite %s -> %s: %w", domain, answer, err)
	}
	if err != nil {
		c.logger.Debug("add rejected, treating as already present",
			slog.String("domain", domain),
			slog.String("answer", answer),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes a rewrite entry by (domain, answer). If no such record
// exists, this still returns success (at-least-once delete semantics).
func (c *AdguardClient) Delete(ctx context.Context, domain, answer string) error {
	_, err := c.withRetry(ctx, "/control/rewrite/delete", func(ctx context.Context) ([]byte, error) {
		return c.doRequest(ctx, http.MethodPost, "/control/rewrite/delete", Record{Domain: domain, Answer: answer})
	})
	if err != nil && !rerrors.IsPermanent(err) {
		return fmt.Errorf("deleting rewrite %s -> %s: %w", domain, answer, err)
	}
	return nil
}

// Update replaces oldAnswer with newAnswer for domain. The default
// implementation is delete-then-add.
func (c *AdguardClient) Update(ctx context.Context, domain, oldAnswer, newAnswer string) error {
	if err := c.Delete(ctx, domain, oldAnswer); err != nil {
		return fmt.Errorf("update: deleting old answer: %w", err)
	}
	if err := c.Add(ctx, domain, newAnswer); err != nil {
		return fmt.Errorf("update: adding new answer: %w", err)
	}
	return nil
}

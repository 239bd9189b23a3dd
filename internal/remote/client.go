package remote

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
	"time"

	"github.com/sethvargo/go-retry"
)

// Request pacing constants.
const (
	bulkTimeout  = 15 * time.Second
	probeTimeout = 3 * time.Second

	backoffBase    = 1 * time.Second
	backoffCap     = 16 * time.Second
	backoffJitter  = 20 // percent
	retriesCeiling = 5

	userAgent = "heysync/0.1"
)

// kvPath is the REST resource holding all synchronized records. Row
// visibility is enforced server-side by the tenant policy on the table.
const kvPath = "/rest/v1/kv_store"

// SessionSource provides bearer tokens for API calls. Defined at the
// consumer per Go convention "accept interfaces, return structs"; the
// auth layer provides the real implementation.
type SessionSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the HTTP client for the remote KV store. It layers retry
// with exponential backoff, direct/proxy endpoint failover, and error
// classification over plain REST calls.
type Client struct {
	endpoints      *failover
	httpClient     *http.Client
	session        SessionSource
	apiKey         string
	requestTimeout time.Duration
	healthTimeout  time.Duration
	logger         *slog.Logger
}

// Config carries Client construction parameters.
type Config struct {
	DirectURL    string
	ProxyURL     string
	StartOnProxy bool
	APIKey       string
	Persist      PersistEndpointFunc
	HTTPClient   *http.Client
	Session      SessionSource

	// RequestTimeout and HealthTimeout bound bulk calls and cheap
	// probes respectively; zero means the defaults.
	RequestTimeout time.Duration
	HealthTimeout  time.Duration

	Logger *slog.Logger
}

// NewClient creates a remote KV client.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		endpoints:      newFailover(cfg.DirectURL, cfg.ProxyURL, cfg.StartOnProxy, cfg.Persist, logger),
		httpClient:     httpClient,
		session:        cfg.Session,
		apiKey:         cfg.APIKey,
		requestTimeout: cfg.RequestTimeout,
		healthTimeout:  cfg.HealthTimeout,
		logger:         logger,
	}

	if c.requestTimeout <= 0 {
		c.requestTimeout = bulkTimeout
	}

	if c.healthTimeout <= 0 {
		c.healthTimeout = probeTimeout
	}

	return c
}

// SelectAll fetches every row visible to the session's tenant.
func (c *Client) SelectAll(ctx context.Context) ([]Row, error) {
	var rows []Row

	query := url.Values{"select": {"k,v,updated_at,server_updated_at"}}
	if err := c.doJSON(ctx, http.MethodGet, kvPath+"?"+query.Encode(), nil, &rows, c.requestTimeout); err != nil {
		return nil, fmt.Errorf("remote: selecting all rows: %w", err)
	}

	return rows, nil
}

// SelectKeys fetches the rows for the given logical keys.
func (c *Client) SelectKeys(ctx context.Context, keys []string) ([]Row, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var rows []Row

	query := url.Values{
		"select": {"k,v,updated_at,server_updated_at"},
		"k":      {"in.(" + strings.Join(keys, ",") + ")"},
	}

	if err := c.doJSON(ctx, http.MethodGet, kvPath+"?"+query.Encode(), nil, &rows, c.requestTimeout); err != nil {
		return nil, fmt.Errorf("remote: selecting %d keys: %w", len(keys), err)
	}

	return rows, nil
}

// Sample fetches the n most recently server-touched key stamps. Used by
// the reconciler's cheap change-detection probe.
func (c *Client) Sample(ctx context.Context, n int) ([]KeyStamp, error) {
	var stamps []KeyStamp

	query := url.Values{
		"select": {"k,server_updated_at"},
		"order":  {"server_updated_at.desc"},
		"limit":  {fmt.Sprint(n)},
	}

	if err := c.doJSON(ctx, http.MethodGet, kvPath+"?"+query.Encode(), nil, &stamps, c.healthTimeout); err != nil {
		return nil, fmt.Errorf("remote: sampling change stamps: %w", err)
	}

	return stamps, nil
}

// Upsert writes rows, overwriting existing keys.
func (c *Client) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("remote: encoding %d rows: %w", len(rows), err)
	}

	if err := c.doJSON(ctx, http.MethodPost, kvPath, body, nil, c.requestTimeout); err != nil {
		return fmt.Errorf("remote: upserting %d rows: %w", len(rows), err)
	}

	return nil
}

// Delete removes the rows for the given logical keys.
func (c *Client) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	query := url.Values{"k": {"in.(" + strings.Join(keys, ",") + ")"}}

	if err := c.doJSON(ctx, http.MethodDelete, kvPath+"?"+query.Encode(), nil, nil, c.requestTimeout); err != nil {
		return fmt.Errorf("remote: deleting %d keys: %w", len(keys), err)
	}

	return nil
}

// Health probes the current endpoint with a tight deadline. Used by the
// session manager's online detection.
func (c *Client) Health(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/health", nil, nil, c.healthTimeout); err != nil {
		return fmt.Errorf("remote: health check: %w", err)
	}

	return nil
}

// doJSON runs one API call under the retry combinator. Transient
// failures (network errors, retryable statuses) back off exponentially
// up to the ceiling; everything else surfaces immediately. out, when
// non-nil, receives the decoded response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backoff := retry.WithMaxRetries(retriesCeiling,
		retry.WithJitterPercent(backoffJitter,
			retry.WithCappedDuration(backoffCap,
				retry.NewExponential(backoffBase))))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		// Re-read the base URL each attempt: a mid-call flip routes the
		// next attempt through the other endpoint.
		err := c.doOnce(ctx, method, c.endpoints.baseURL()+path, body, out)
		if err == nil {
			c.endpoints.onSuccess()
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if isRetryable(apiErr.StatusCode) {
				c.endpoints.onFailure()
				c.logRetry(method, path, err)

				return retry.RetryableError(err)
			}

			// Definitive server answer: classification stands, no retry,
			// and the endpoint itself is healthy.
			c.endpoints.onSuccess()

			return err
		}

		if ctx.Err() != nil {
			return err
		}

		// Network-level failure.
		c.endpoints.onFailure()
		c.logRetry(method, path, err)

		return retry.RetryableError(err)
	})
}

func (c *Client) logRetry(method, path string, err error) {
	c.logger.Warn("request failed, will retry",
		slog.String("method", method),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, fullURL string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	token, err := c.session.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		// Upserts replace rather than conflict on duplicate keys.
		req.Header.Set("Prefer", "resolution=merge-duplicates")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out == nil {
			io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
			return nil
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		return nil
	}

	return decodeAPIError(resp)
}

// decodeAPIError reads an error response into an APIError with its
// sentinel classification.
func decodeAPIError(resp *http.Response) error {
	raw, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		raw = []byte("(failed to read response body)")
	}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	message := string(raw)
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Message != "" {
		message = payload.Message
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       payload.Code,
		Message:    message,
		Err:        classify(resp.StatusCode, payload.Code, message),
	}
}

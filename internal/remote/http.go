package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
)

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. https://api.example.com.
	BaseURL string

	// Token returns the bearer credential for a request. Nil means
	// unauthenticated requests.
	Token func(ctx context.Context) (string, error)

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// RetryBase is the first backoff delay; RetryCap bounds the growth;
	// MaxRetries bounds the attempts after the first.
	RetryBase  time.Duration
	RetryCap   time.Duration
	MaxRetries uint64

	// Logger for request activity. Nil means a default stderr logger.
	Logger *log.Logger
}

// DefaultHTTPConfig returns sensible defaults for everything but BaseURL.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:    10 * time.Second,
		RetryBase:  500 * time.Millisecond,
		RetryCap:   15 * time.Second,
		MaxRetries: 3,
	}
}

// HTTPClient implements Client against the backend's per-collection
// endpoints:
//
//	GET  {base}/v1/{collection}?{scopeCol}={scopeKey}&since={cursor}
//	POST {base}/v1/{collection}/batch
//
// Transient failures (transport errors, 5xx) are retried in place with
// exponential backoff; auth and validation rejections return immediately.
type HTTPClient struct {
	cfg    HTTPConfig
	client *http.Client
	logger *log.Logger
}

// NewHTTPClient creates a client for the given backend.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = DefaultHTTPConfig().RetryBase
	}
	if cfg.RetryCap == 0 {
		cfg.RetryCap = DefaultHTTPConfig().RetryCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type listResponse struct {
	Records []json.RawMessage `json:"records"`
}

type batchRequest struct {
	Records []json.RawMessage `json:"records"`
}

type batchResponse struct {
	Results []RowResult `json:"results"`
}

// List implements Client.
func (c *HTTPClient) List(ctx context.Context, collection string, scope Scope, since time.Time) ([]json.RawMessage, error) {
	q := url.Values{}
	if scope.Col != "" {
		q.Set(scope.Col, scope.Key)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	endpoint := fmt.Sprintf("%s/v1/%s", c.cfg.BaseURL, collection)
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	var out listResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// UpsertBatch implements Client.
func (c *HTTPClient) UpsertBatch(ctx context.Context, collection string, records []json.RawMessage) ([]RowResult, error) {
	body, err := json.Marshal(batchRequest{Records: records})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1/%s/batch", c.cfg.BaseURL, collection)

	var out batchResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &out); err != nil {
		return nil, err
	}
	if len(out.Results) != len(records) {
		return nil, fmt.Errorf("remote returned %d results for %d records", len(out.Results), len(records))
	}
	return out.Results, nil
}

// do executes one request with backoff on transient failures.
func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	backoff := retry.WithCappedDuration(c.cfg.RetryCap, retry.NewExponential(c.cfg.RetryBase))
	backoff = retry.WithMaxRetries(c.cfg.MaxRetries, backoff)

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.doOnce(ctx, method, endpoint, body, out)
		if IsNetwork(err) {
			c.logger.Printf("transient failure, will retry: %v", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) doOnce(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != nil {
		token, err := c.cfg.Token(ctx)
		if err != nil {
			return &AuthError{Err: fmt.Errorf("failed to obtain token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: method, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &NetworkError{Op: method, URL: endpoint, Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &RejectedError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: method, URL: endpoint, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

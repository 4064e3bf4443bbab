// Package client talks to a vcpkg-harbor server over its HTTP cache
// protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rennerdo30/vcpkg-harbor/pkg/artifacts"
	"github.com/rennerdo30/vcpkg-harbor/pkg/util/resiliency"
)

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("harbor api %d: %s (%s)", e.Status, e.Detail, e.Code)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409, i.e. the artifact already exists.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client is a typed client for the cache server. Reads are retried on
// transport errors and 5xx responses; uploads are attempted once.
type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     resiliency.Policy
	breaker    *resiliency.CircuitBreaker
}

// Option configures the client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRetryPolicy(p resiliency.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithBreaker(b *resiliency.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		policy:     resiliency.DefaultPolicy(),
		breaker:    resiliency.NewCircuitBreaker("harbor", 5, 10*time.Second),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health calls GET /.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Metrics calls GET /metrics.
func (c *Client) Metrics(ctx context.Context) (*Metrics, error) {
	var out Metrics
	if err := c.getJSON(ctx, "/metrics", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Head returns the size of the artifact stored under key.
func (c *Client) Head(ctx context.Context, key artifacts.Key) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	return resiliency.Retry(ctx, c.policy, c.retryable(func() (int64, error) {
		resp, err := c.send(ctx, http.MethodHead, keyPath(key), nil)
		if err != nil {
			return 0, err
		}
		_ = resp.Body.Close()
		return resp.ContentLength, nil
	}))
}

// Exists reports whether key is stored on the server.
func (c *Client) Exists(ctx context.Context, key artifacts.Key) (bool, error) {
	_, err := c.Head(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Download streams the artifact into w. A failure after the first byte is
// not retried.
func (c *Client) Download(ctx context.Context, key artifacts.Key, w io.Writer) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	var written int64
	err := resiliency.Do(ctx, c.policy, func() error {
		resp, err := c.send(ctx, http.MethodGet, keyPath(key), nil)
		if err != nil {
			if !isRetryable(err) {
				return resiliency.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		n, err := io.Copy(w, resp.Body)
		written += n
		if err != nil && written > 0 {
			return resiliency.Permanent(fmt.Errorf("download %s: %w", key, err))
		}
		return err
	})
	return written, err
}

// Upload stores the payload read from r under key. Uploading an existing
// key fails with an error for which IsConflict is true.
func (c *Client) Upload(ctx context.Context, key artifacts.Key, r io.Reader) (*UploadResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, http.MethodPut, keyPath(key), r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return resiliency.Do(ctx, c.policy, func() error {
		resp, err := c.send(ctx, http.MethodGet, path, nil)
		if err != nil {
			if !isRetryable(err) {
				return resiliency.Permanent(err)
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resiliency.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	})
}

// send performs one request through the breaker. Error statuses are
// returned as *APIError with the body already consumed.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", artifacts.DefaultContentType)
	}

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%s: %w", c.breaker.Name(), resiliency.ErrBreakerOpen)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.Failure()
	} else {
		c.breaker.Success()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Detail: http.StatusText(resp.StatusCode)}
	var env errorEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
		if env.ErrorCode != "" {
			apiErr.Code = env.ErrorCode
		}
		if env.Detail != "" {
			apiErr.Detail = env.Detail
		}
	}
	return apiErr
}

func (c *Client) retryable(op func() (int64, error)) func() (int64, error) {
	return func() (int64, error) {
		n, err := op()
		if err != nil && !isRetryable(err) {
			return 0, resiliency.Permanent(err)
		}
		return n, err
	}
}

// isRetryable treats transport failures and 5xx as transient.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	if errors.Is(err, resiliency.ErrBreakerOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func keyPath(key artifacts.Key) string {
	return "/" + url.PathEscape(key.Name) + "/" + url.PathEscape(key.Version) + "/" + url.PathEscape(key.Digest)
}

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sshfleet/sshfleet/fleet/server/retry"
	"github.com/sshfleet/sshfleet/fleet/server/status"
	"github.com/sshfleet/sshfleet/fleet/server/telemetry"
)

const maxErrorBodySize = 4096

// Client is the JSON over HTTP transport shared by the remote collaborator clients
type Client struct {
	name       string
	host       string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	retry      retry.Policy
	metrics    *telemetry.FleetMetrics
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the http.Client used for requests
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetryPolicy overrides the default retry policy
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithHeader adds a header sent with every request
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithMetrics counts retried calls
func WithMetrics(metrics *telemetry.FleetMetrics) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// New creates a Client for baseURL. The name identifies the collaborator in errors and metrics.
func New(name, baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    map[string]string{"Accept": "application/json"},
		httpClient: &http.Client{Timeout: timeout},
		retry:      retry.DefaultPolicy(),
	}
	c.host = c.baseURL
	if u, err := url.Parse(c.baseURL); err == nil && u.Host != "" {
		c.host = u.Host
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the address the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewRequest performs a single request. Transport failures map to RemoteUnreachable
// and non-2xx responses to RemoteRejected.
func (c *Client) NewRequest(ctx context.Context, method, path string, body []byte, query url.Values) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, status.Errorf(status.Internal, "build %s request: %v", c.name, err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, status.NewRemoteUnreachableError(c.host, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bs, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, status.NewRemoteRejectedError(c.host, resp.StatusCode, strings.TrimSpace(string(bs)))
	}

	return resp, nil
}

func parseResponse[T any](resp *http.Response) (T, error) {
	var ret T
	if resp.Body == nil {
		return ret, nil
	}
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return ret, status.Errorf(status.RemoteUnreachable, "read response: %v", err)
	}
	if len(bytes.TrimSpace(bs)) == 0 {
		return ret, nil
	}
	if err := json.Unmarshal(bs, &ret); err != nil {
		return ret, status.Errorf(status.RemoteRejected, "decode response: %v", err)
	}
	return ret, nil
}

// Call sends body as JSON and decodes the response into T, retrying under the client's policy
func Call[T any](ctx context.Context, c *Client, method, path string, body any, query url.Values) (T, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("encode %s request: %w", c.name, err)
		}
	}

	policy := c.retry.WithOnRetry(func(error, time.Duration) {
		c.metrics.CountRemoteRetry(c.name)
	})

	return retry.Do(ctx, policy, func() (T, error) {
		resp, err := c.NewRequest(ctx, method, path, payload, query)
		if err != nil {
			var zero T
			return zero, err
		}
		defer resp.Body.Close()
		return parseResponse[T](resp)
	})
}

// IsContextError reports whether err stems from a cancelled or expired context
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Package matrixhttp is a small JSON-over-HTTP client for Matrix homeserver endpoints.
// Every request goes through a circuit breaker so that an unreachable homeserver does not
// stall capability refreshes.
package matrixhttp

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

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 1 << 20

// ErrCircuitOpen is returned when the breaker rejects a request.
var ErrCircuitOpen = errors.New("matrixhttp: circuit breaker open")

// ErrRequestAbandoned wraps failures caused by the caller's context ending. The homeserver is
// not at fault, so the breaker does not count them.
var ErrRequestAbandoned = errors.New("matrixhttp: request abandoned by caller")

// Error is a non-2xx response from a Matrix endpoint.
type Error struct {
	StatusCode int    `json:"-"`
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *Error) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("matrix error %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("matrix error %d", e.StatusCode)
}

// IsNotFound reports whether err means the endpoint or resource does not exist on the server.
func IsNotFound(err error) bool {
	var mErr *Error
	if !errors.As(err, &mErr) {
		return false
	}
	return mErr.StatusCode == http.StatusNotFound || mErr.ErrCode == "M_UNRECOGNIZED" || mErr.ErrCode == "M_NOT_FOUND"
}

type accessTokenKey struct{}

// WithAccessToken attaches the caller's access token to ctx; requests made with that context
// carry it as a bearer token.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func accessTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// Client sends GET requests to a homeserver and decodes JSON responses.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) {
		c.cb = cb
	}
}

// NewClient creates a client rooted at baseURL (e.g. https://matrix.example.org).
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute: %q", baseURL)
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		cb: NewBreaker("homeserver"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewBreaker builds the breaker used for homeserver traffic. Client errors (4xx) and requests
// the caller gave up on count as successes.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrRequestAbandoned) {
				return true
			}
			var mErr *Error
			return errors.As(err, &mErr) && mErr.StatusCode < http.StatusInternalServerError
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
		},
	})
}

// BaseURL returns the homeserver base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// GetJSON requests path relative to the base URL and decodes the JSON body into out.
// The access token in ctx, if any, is sent as a bearer token.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	target := c.baseURL.JoinPath(path)
	return c.do(ctx, path, target.String(), accessTokenFrom(ctx), out)
}

// GetJSONAt requests an absolute URL (e.g. a well-known document on another host) through the
// same breaker and transport. It never sends the access token: the host may not be the
// homeserver.
func (c *Client) GetJSONAt(ctx context.Context, rawURL string, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	return c.do(ctx, u.Path, u.String(), "", out)
}

func (c *Client) do(ctx context.Context, endpoint, target, token string, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrRequestAbandoned, endpoint, ctxErr)
			}
			return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrRequestAbandoned, endpoint, ctxErr)
			}
			return nil, fmt.Errorf("failed to read response from %s: %w", endpoint, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			mErr := &Error{StatusCode: resp.StatusCode}
			// Body may not be a Matrix error document; the status code is enough then.
			_ = json.Unmarshal(body, mErr)
			return nil, mErr
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return nil, fmt.Errorf("failed to decode response from %s: %w", endpoint, err)
			}
		}
		return nil, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues(c.cb.Name()).Inc()
			metrics.HomeserverRequests.WithLabelValues(endpoint, "breaker_open").Inc()
			return fmt.Errorf("%w: %s", ErrCircuitOpen, endpoint)
		}
		if errors.Is(err, ErrRequestAbandoned) {
			metrics.HomeserverRequests.WithLabelValues(endpoint, "abandoned").Inc()
			return err
		}
		metrics.HomeserverRequests.WithLabelValues(endpoint, "error").Inc()
		return err
	}

	metrics.HomeserverRequests.WithLabelValues(endpoint, "success").Inc()
	return nil
}

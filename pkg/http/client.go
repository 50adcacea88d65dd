// Package http is the REST client used for venue metadata and archive downloads
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"marketfeed/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxRetries   = 3
	defaultMaxBodyBytes = 64 << 20
	userAgent           = "marketfeed"
)

// ErrBodyTooLarge is returned when a response exceeds the configured body limit
var ErrBodyTooLarge = errors.New("response body too large")

// APIError is returned for any response with status >= 400
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// Retryable reports whether the status is one the client retries on
func (e *APIError) Retryable() bool {
	return transient(e.StatusCode)
}

// Option tunes a Client
type Option func(*settings)

type settings struct {
	maxRetries   int
	maxBodyBytes int64
	headers      map[string]string
}

// WithMaxRetries caps the retries after the first attempt. Zero disables retrying.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithMaxBodyBytes caps how much of a response body is read
func WithMaxBodyBytes(n int64) Option {
	return func(s *settings) { s.maxBodyBytes = n }
}

// WithHeader adds a header to every request
func WithHeader(key, value string) Option {
	return func(s *settings) { s.headers[key] = value }
}

// reply is one fully read attempt; bodies never outlive the attempt that opened them
type reply struct {
	status int
	body   []byte
}

// Client issues GETs against one base URL with retry and circuit breaking
type Client struct {
	http     *http.Client
	base     *url.URL
	raw      string
	settings settings
	executor failsafe.Executor[*reply]

	tracer   trace.Tracer
	requests metric.Int64Counter
	retries  metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewClient creates a client for baseURL. An unparsable baseURL surfaces on the first Get.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	s := settings{
		maxRetries:   defaultMaxRetries,
		maxBodyBytes: defaultMaxBodyBytes,
		headers:      map[string]string{"User-Agent": userAgent},
	}
	for _, opt := range opts {
		opt(&s)
	}

	base, _ := url.Parse(baseURL)
	c := &Client{
		http:     &http.Client{Timeout: timeout},
		base:     base,
		raw:      baseURL,
		settings: s,
		tracer:   telemetry.GetTracer("rest-client"),
	}

	meter := telemetry.GetMeter("rest-client")
	c.requests, _ = meter.Int64Counter("rest_requests_total",
		metric.WithDescription("REST calls by host and outcome"))
	c.retries, _ = meter.Int64Counter("rest_retries_total",
		metric.WithDescription("REST attempts repeated after a transient failure"))
	c.failures, _ = meter.Int64Counter("rest_failures_total",
		metric.WithDescription("REST calls that ended in an error"))
	c.duration, _ = meter.Float64Histogram("rest_call_duration_seconds",
		metric.WithDescription("REST call latency including retries"),
		metric.WithUnit("s"))

	retry := retrypolicy.NewBuilder[*reply]().
		HandleIf(func(r *reply, err error) bool {
			if err != nil {
				return !errors.Is(err, ErrBodyTooLarge)
			}
			return r != nil && transient(r.status)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(s.maxRetries).
		ReturnLastFailure().
		OnRetry(func(failsafe.ExecutionEvent[*reply]) {
			c.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("host", c.host())))
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[*reply]().
		HandleIf(func(r *reply, err error) bool {
			return err != nil || (r != nil && r.status >= 500)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	c.executor = failsafe.With[*reply](retry, breaker)
	return c
}

// BaseURL returns the base URL requests are resolved against
func (c *Client) BaseURL() string {
	return c.raw
}

// Get fetches baseURL+path with the given query parameters and returns the body of a 2xx/3xx reply
func (c *Client) Get(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	if c.base == nil {
		return nil, fmt.Errorf("invalid base url %q", c.raw)
	}
	target := c.base.JoinPath(path)
	q := target.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	target.RawQuery = q.Encode()

	ctx, span := c.tracer.Start(ctx, "GET "+target.Path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", http.MethodGet),
			attribute.String("server.address", target.Host),
		))
	defer span.End()

	start := time.Now()
	r, err := c.executor.WithContext(ctx).Get(func() (*reply, error) {
		return c.attempt(ctx, target.String())
	})
	c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("host", target.Host)))

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		err = fmt.Errorf("GET %s: %w", target.Path, err)
	case r.status >= 400:
		outcome = "status"
		err = &APIError{StatusCode: r.status, Body: r.body}
	}
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("host", target.Host),
		attribute.String("outcome", outcome),
	))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("host", target.Host)))
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", r.status))
	return r.body, nil
}

func (c *Client) attempt(ctx context.Context, target string) (*reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.settings.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.settings.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > c.settings.maxBodyBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.settings.maxBodyBytes)
	}
	return &reply{status: resp.StatusCode, body: body}, nil
}

func (c *Client) host() string {
	if c.base == nil {
		return ""
	}
	return c.base.Host
}

func transient(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

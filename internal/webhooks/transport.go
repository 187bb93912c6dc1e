package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultSendTimeout bounds a single delivery attempt.
	DefaultSendTimeout = 30 * time.Second
	// DefaultProbeTimeout bounds the URL liveness probe.
	DefaultProbeTimeout = 5 * time.Second

	maxResponseBody  = 1024
	maxHeadRedirects = 5
)

// Response is what a subscriber answered.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends a signed delivery body to a subscriber.
type Transport interface {
	Post(ctx context.Context, url string, header map[string]string, body []byte) (*Response, error)
}

// Prober checks that a URL is live.
type Prober interface {
	Head(ctx context.Context, url string) (int, error)
}

// HTTPClient implements Transport and Prober over net/http with
// OpenTelemetry client instrumentation. Deliveries never follow redirects;
// HEAD requests follow a few, over https only.
type HTTPClient struct {
	client       *http.Client
	headClient   *http.Client
	sendTimeout  time.Duration
	probeTimeout time.Duration
}

// NewHTTPClient creates an HTTPClient. Zero timeouts use the defaults.
func NewHTTPClient(sendTimeout, probeTimeout time.Duration) *HTTPClient {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	c := &HTTPClient{sendTimeout: sendTimeout, probeTimeout: probeTimeout}
	return c.WithClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)})
}

// WithClient swaps the underlying *http.Client, keeping the timeouts. Its
// Transport, Jar and Timeout are shared; the redirect policy is replaced.
func (c *HTTPClient) WithClient(hc *http.Client) *HTTPClient {
	cp := *c

	sender := *hc
	// Redirect responses are returned as-is.
	sender.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	cp.client = &sender

	head := *hc
	head.CheckRedirect = followHTTPSRedirect
	cp.headClient = &head
	return &cp
}

func followHTTPSRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxHeadRedirects {
		return fmt.Errorf("stopped after %d redirects", maxHeadRedirects)
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf("redirected to non-https url %s", req.URL.Redacted())
	}
	return nil
}

// Post sends body with the given headers. Any response, whatever its status,
// is returned without an error; errors mean no response was received.
func (c *HTTPClient) Post(ctx context.Context, url string, header map[string]string, body []byte) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		respBody = []byte("failed to read response body")
	}
	// Drain the rest so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Head issues a HEAD request and returns the status code of the final
// response after redirects.
func (c *HTTPClient) Head(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.headClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

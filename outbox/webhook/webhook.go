// Package webhook provides a publisher that delivers event messages as HTTP
// POST requests, for forwarding events to systems without a broker.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
)

var _ adapters.Publisher = (*Publisher)(nil)

// HeaderPrefix is prepended to message header names on the request.
const HeaderPrefix = "X-Keel-"

// Publisher POSTs each message to an endpoint chosen by stream.
//
// A stream is sent to the endpoint registered with WithEndpoint, or else to
// the base URL with the stream name appended as a path segment.
type Publisher struct {
	client         *http.Client
	baseURL        string
	endpoints      map[string]string
	defaultHeaders map[string]string
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets default headers added to all requests.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// WithEndpoint routes a stream to a fixed URL.
func WithEndpoint(stream, endpoint string) Option {
	return func(p *Publisher) {
		p.endpoints[stream] = endpoint
	}
}

// New creates a new webhook Publisher. baseURL may be empty when every
// stream has an endpoint.
func New(baseURL string, opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		endpoints: make(map[string]string),
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Endpoint returns the URL a stream is posted to, or "" if none.
func (p *Publisher) Endpoint(stream string) string {
	if endpoint, ok := p.endpoints[stream]; ok {
		return endpoint
	}
	if p.baseURL == "" || stream == "" {
		return ""
	}
	return p.baseURL + "/" + url.PathEscape(stream)
}

// Publish POSTs the message payload. A 4xx response is a rejection that
// retrying cannot fix; a 5xx response or a transport failure can be retried.
// It returns the event ID, or a fresh ID for messages without one.
func (p *Publisher) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	endpoint := p.Endpoint(stream)
	if endpoint == "" {
		return "", fmt.Errorf("webhook: no endpoint for stream %q: %w", stream, adapters.ErrPublishRejected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(msg.Payload))
	if err != nil {
		return "", fmt.Errorf("webhook: failed to create request: %w", adapters.ErrPublishRejected)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		req.Header.Set(HeaderPrefix+k, v)
	}

	id := msg.Headers[keel.HeaderEventID]
	if id == "" {
		id = uuid.NewString()
	}
	req.Header.Set("Idempotency-Key", id)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook: request failed for %s: %w", endpoint, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("webhook: server error %d from %s", resp.StatusCode, endpoint)
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("webhook: client error %d from %s: %w", resp.StatusCode, endpoint, adapters.ErrPublishRejected)
	}
	return id, nil
}

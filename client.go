package durablestreams

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is a durable streams client. It carries the shared HTTP
// transport and request defaults; per-stream operations go through the
// Stream handle. Safe for concurrent use.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	defaultHeaders http.Header
	headerProvider func() http.Header
	log            logrus.FieldLogger
}

type clientConfig struct {
	httpClient     *http.Client
	baseURL        string
	defaultHeaders http.Header
	headerProvider func() http.Header
	timeout        time.Duration
	log            logrus.FieldLogger
}

// Option configures a Client.
type Option func(*clientConfig)

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.httpClient = hc }
}

// WithBaseURL sets the base URL prepended to relative stream paths.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithDefaultHeader adds a header sent on every request.
func WithDefaultHeader(key, value string) Option {
	return func(c *clientConfig) {
		if c.defaultHeaders == nil {
			c.defaultHeaders = http.Header{}
		}
		c.defaultHeaders.Set(key, value)
	}
}

// WithHeaderProvider installs a callback invoked per request; returned
// headers override default headers. Used for rotating tokens and other
// dynamic values.
func WithHeaderProvider(provider func() http.Header) Option {
	return func(c *clientConfig) { c.headerProvider = provider }
}

// WithTimeout sets the whole-request timeout on the default HTTP client.
// Ignored when WithHTTPClient is used.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithLogger attaches a structured logger. Without it the client is
// silent.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *clientConfig) { c.log = log }
}

// NewClient creates a client.
//
// Example:
//
//	client := durablestreams.NewClient()
//	stream := client.Stream("https://example.com/streams/my-stream")
func NewClient(opts ...Option) *Client {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		// Whole-request timeouts interact badly with long-poll and SSE
		// reads, so the default transport relies on per-request context
		// deadlines unless a timeout is set explicitly.
		httpClient = &http.Client{
			Timeout: cfg.timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	log := cfg.log
	if log == nil {
		silent := logrus.New()
		silent.SetOutput(io.Discard)
		log = silent
	}

	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimSuffix(cfg.baseURL, "/"),
		defaultHeaders: cfg.defaultHeaders,
		headerProvider: cfg.headerProvider,
		log:            log,
	}
}

// Stream returns a handle to the stream at url. No network request is
// made until an operation is called.
//
// The url may be fully qualified, or a path resolved against the
// client's base URL.
func (c *Client) Stream(url string) *Stream {
	fullURL := url
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") && c.baseURL != "" {
		fullURL = c.baseURL + url
	}
	return &Stream{
		url:    fullURL,
		client: c,
	}
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// requestHeaders merges default and provider headers for one request.
func (c *Client) requestHeaders() http.Header {
	if c.defaultHeaders == nil && c.headerProvider == nil {
		return nil
	}
	h := http.Header{}
	for k, vs := range c.defaultHeaders {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if c.headerProvider != nil {
		for k, vs := range c.headerProvider() {
			h.Del(k)
			for _, v := range vs {
				h.Add(k, v)
			}
		}
	}
	return h
}

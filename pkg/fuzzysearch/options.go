package fuzzysearch

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the public FuzzySearch API.
const DefaultBaseURL = "https://api.fuzzysearch.net"

const defaultUserAgent = "fuzzysearch-go/1.0"

type config struct {
	baseURL      string
	httpClient   *http.Client
	logger       *zap.Logger
	instrumenter Instrumenter
	userAgent    string
}

// Option customises a Client at construction.
type Option func(*config)

// WithBaseURL points the client at another deployment of the API.
func WithBaseURL(baseURL string) Option {
	return func(c *config) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient replaces the default pooled HTTP client. The client is
// shared by every call and must be safe for concurrent use.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) {
		c.httpClient = client
	}
}

// WithLogger enables debug logging of requests and responses.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithInstrumenter installs tracing or other per-call instrumentation.
func WithInstrumenter(instrumenter Instrumenter) Option {
	return func(c *config) {
		c.instrumenter = instrumenter
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *config) {
		c.userAgent = userAgent
	}
}

func defaultConfig() *config {
	return &config{
		baseURL:      DefaultBaseURL,
		logger:       zap.NewNop(),
		instrumenter: noopInstrumenter{},
		userAgent:    defaultUserAgent,
	}
}

func newDefaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 32
	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.ExpectContinueTimeout = time.Second

	return &http.Client{Transport: transport}
}

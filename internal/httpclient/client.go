// Package httpclient fetches manifests and other small documents over plain
// net/http with retries, a circuit breaker and transparent decompression.
//
// Media segments never go through this package; they use the pipelined
// client in internal/pipelining.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrMaxRetries   = errors.New("max retries exceeded")
	ErrStatus       = errors.New("unexpected status code")
	ErrBodyTooLarge = errors.New("response body exceeds limit")
)

// Default configuration values.
const (
	DefaultTimeout              = 30 * time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 500 * time.Millisecond
	DefaultRetryMaxDelay        = 10 * time.Second
	DefaultBackoffMultiplier    = 2.0
	DefaultCircuitThreshold     = 5
	DefaultCircuitTimeout       = 30 * time.Second
	DefaultMaxBodySize          = 16 << 20
	DefaultAcceptEncodingHeader = "gzip, deflate, br"
	DefaultUserAgentHeader      = "dashp2p/1.0"
)

// HTTP header constants.
const (
	HeaderAcceptEncoding  = "Accept-Encoding"
	HeaderContentEncoding = "Content-Encoding"
	HeaderUserAgent       = "User-Agent"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first attempt.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration

	// BackoffMultiplier grows the delay after every retry.
	BackoffMultiplier float64

	// CircuitThreshold is the number of consecutive failures that opens
	// the circuit.
	CircuitThreshold int

	// CircuitTimeout is how long the circuit stays open.
	CircuitTimeout time.Duration

	// MaxBodySize limits the decoded document size.
	MaxBodySize int64

	// UserAgent is sent with every request.
	UserAgent string

	// Logger is the structured logger.
	Logger *slog.Logger

	// BaseClient is the underlying http.Client. If nil, one is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		CircuitThreshold:  DefaultCircuitThreshold,
		CircuitTimeout:    DefaultCircuitTimeout,
		MaxBodySize:       DefaultMaxBodySize,
		UserAgent:         DefaultUserAgentHeader,
		Logger:            slog.Default(),
	}
}

// Document is a fetched and decoded response body.
type Document struct {
	// URL is the final URL after redirects. Relative references in the
	// document resolve against it.
	URL         *url.URL
	Body        []byte
	ContentType string
	// Encoding is the content encoding the body was transferred with.
	Encoding string
}

// Client fetches documents with retries and a circuit breaker.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout),
		logger:  cfg.Logger,
	}
}

// Fetch downloads rawURL and returns the decoded body. Network errors and
// retryable status codes are retried with exponential backoff; any other
// status than 200 fails immediately.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying fetch",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", RedactURL(u)),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(time.Duration(float64(delay)*c.config.BackoffMultiplier), c.config.RetryMaxDelay)
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping fetch",
				slog.String("url", RedactURL(u)),
				slog.String("state", c.breaker.State().String()),
			)
			continue
		}

		doc, retry, err := c.attempt(ctx, u)
		if err == nil {
			c.breaker.RecordSuccess()
			return doc, nil
		}
		if !retry {
			return nil, err
		}
		c.breaker.RecordFailure()
		lastErr = err
		c.logger.Warn("fetch failed",
			slog.String("url", RedactURL(u)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// attempt performs one request. retry reports whether a failure is
// transient.
func (c *Client) attempt(ctx context.Context, u *url.URL) (doc *Document, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	if c.config.UserAgent != "" {
		req.Header.Set(HeaderUserAgent, c.config.UserAgent)
	}
	req.Header.Set(HeaderAcceptEncoding, DefaultAcceptEncodingHeader)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, err
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
		return nil, isRetryableStatus(resp.StatusCode), err
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderContentEncoding)))
	body, err := c.decode(resp.Body, encoding)
	if err != nil {
		return nil, false, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, c.config.MaxBodySize+1))
	if err != nil {
		return nil, true, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > c.config.MaxBodySize {
		return nil, false, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, c.config.MaxBodySize)
	}

	c.logger.Debug("fetch completed",
		slog.String("url", RedactURL(resp.Request.URL)),
		slog.Int("status", resp.StatusCode),
		slog.String("encoding", encoding),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)),
	)

	return &Document{
		URL:         resp.Request.URL,
		Body:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Encoding:    encoding,
	}, false, nil
}

// decode wraps body with the decompressor for encoding.
func (c *Client) decode(body io.Reader, encoding string) (io.ReadCloser, error) {
	switch encoding {
	case "", "identity":
		return io.NopCloser(body), nil
	case EncodingGzip:
		r, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return r, nil
	case EncodingDeflate:
		return flate.NewReader(body), nil
	case EncodingBrotli:
		return io.NopCloser(brotli.NewReader(body)), nil
	default:
		c.logger.Debug("unknown content encoding, reading raw body", slog.String("encoding", encoding))
		return io.NopCloser(body), nil
	}
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// isRetryableStatus returns true if the HTTP status code is retryable.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

var sensitiveParams = []string{
	"password", "passwd", "pass", "pwd",
	"token", "api_key", "apikey", "key",
	"secret", "auth", "authorization",
	"credential", "credentials", "signature",
}

// RedactURL returns u as a string with credentials and sensitive query
// parameters masked.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	sanitized := *u
	if sanitized.User != nil {
		sanitized.User = url.User("***")
	}
	query := sanitized.Query()
	changed := false
	for _, param := range sensitiveParams {
		if query.Has(param) {
			query.Set(param, "***")
			changed = true
		}
	}
	if changed {
		sanitized.RawQuery = query.Encode()
	}
	return sanitized.String()
}

// Package medication fetches a patient's medication list from an external
// HTTP service during patient creation.
package medication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Lookup outcomes reported to the Observer.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultTimeout  = "timeout"
	ResultDisabled = "disabled"
)

// maxBodyBytes caps how much of the lookup response is kept.
const maxBodyBytes = 64 << 10

var (
	ErrInvalidURL      = errors.New("medication lookup URL must be an absolute http or https URL")
	ErrOverrideRefused = errors.New("client-supplied medication lookup URL is not allowed")
)

// Observer receives one call per lookup.
type Observer interface {
	LookupObserved(result string)
}

// Result is the outcome of a successful lookup. Skipped is set when no URL
// is configured.
type Result struct {
	URL        string
	StatusCode int
	Body       string
	Duration   time.Duration
	Skipped    bool
}

// Option configures a Client.
type Option func(*Client)

// WithClientURLOverride allows callers to supply the lookup URL per request.
func WithClientURLOverride(allow bool) Option {
	return func(c *Client) { c.allowOverride = allow }
}

// WithObserver reports lookup outcomes.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client performs a single timeout-bounded GET with no retry.
type Client struct {
	defaultURL    string
	timeout       time.Duration
	allowOverride bool
	httpClient    *http.Client
	observer      Observer
	logger        zerolog.Logger
}

// NewClient creates a Client for defaultURL. An empty defaultURL disables the
// lookup unless a permitted override is supplied.
func NewClient(defaultURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	c := &Client{
		defaultURL: defaultURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// AllowsOverride reports whether per-request URLs are accepted.
func (c *Client) AllowsOverride() bool {
	return c.allowOverride
}

// Fetch performs the lookup against override, when given and permitted, or
// the default URL. A transport error, timeout or status >= 400 is returned
// as an error.
func (c *Client) Fetch(ctx context.Context, override string) (*Result, error) {
	target := c.defaultURL
	if override != "" {
		if !c.allowOverride {
			return nil, ErrOverrideRefused
		}
		if err := ValidateURL(override); err != nil {
			return nil, err
		}
		target = override
	}
	if target == "" {
		c.observe(ResultDisabled)
		return &Result{Skipped: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.observe(ResultFailure)
		return nil, fmt.Errorf("build medication lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.observe(ResultTimeout)
			return nil, fmt.Errorf("medication lookup timed out after %s: %w", c.timeout, err)
		}
		c.observe(ResultFailure)
		return nil, fmt.Errorf("medication lookup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.observe(ResultFailure)
		return nil, fmt.Errorf("read medication lookup response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.observe(ResultFailure)
		return nil, fmt.Errorf("medication lookup returned status %d", resp.StatusCode)
	}

	c.observe(ResultSuccess)
	c.logger.Debug().
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("latency", elapsed).
		Msg("medication lookup completed")

	return &Result{
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Duration:   elapsed,
	}, nil
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func (c *Client) observe(result string) {
	if c.observer != nil {
		c.observer.LookupObserved(result)
	}
}

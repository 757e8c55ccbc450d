// Package fetch retrieves TestFlight invite pages and interprets them
// into availability states. It is the production implementation of the
// monitor's Fetcher interface.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tfmon/internal/monitor"
	logx "tfmon/pkg/logx"
)

const (
	defaultBaseURL   = "https://testflight.apple.com"
	defaultUserAgent = "Mozilla/5.0"
	defaultTimeout   = 30 * time.Second

	// Invite pages are small; anything bigger is not worth reading.
	maxBodyBytes = 1 << 20
)

// Error classifies a failed fetch. The monitor only counts failures;
// Transient exists for logs and for callers that want to distinguish
// endpoint hiccups from dead requests.
type Error struct {
	Target    string
	Status    int // 0 for transport-level failures
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Target, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	BaseURL    string
	UserAgent  string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// JoinURL builds the public invite URL for a code.
func JoinURL(baseURL, code string) string {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	return strings.TrimRight(baseURL, "/") + "/join/" + code
}

// Client fetches invite pages with a shared politeness limiter so a large
// target set never bursts against the endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
	}
}

// URL returns the invite URL this client fetches for a code.
func (c *Client) URL(code string) string { return JoinURL(c.cfg.BaseURL, code) }

func (c *Client) Fetch(ctx context.Context, target string) (monitor.Availability, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return monitor.Unknown, &Error{Target: target, Transient: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(target), nil)
	if err != nil {
		return monitor.Unknown, &Error{Target: target, Err: err}
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return monitor.Unknown, &Error{Target: target, Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The invite page no longer exists; that's a dead code, not an error.
		c.log.Debug("invite page gone", logx.String("target", target), logx.Int("status", resp.StatusCode))
		return monitor.Unavailable, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return monitor.Unknown, &Error{Target: target, Status: resp.StatusCode, Transient: true}
	case resp.StatusCode >= http.StatusBadRequest:
		return monitor.Unknown, &Error{Target: target, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return monitor.Unknown, &Error{Target: target, Transient: true, Err: err}
	}

	av := Interpret(string(body))
	c.log.Debug("invite page fetched",
		logx.String("target", target),
		logx.String("availability", av.String()),
		logx.Int("bytes", len(body)),
	)
	return av, nil
}

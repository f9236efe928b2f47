// Package ratelimit provides an HTTP client for REST APIs that retries rate
// limited and failed requests, throttles on the client side, and stops calling
// a failing server through a circuit breaker.
package ratelimit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"planesync/internal/utils"
)

// Config holds configuration for the rate-limiting HTTP client.
type Config struct {
	// MaxRetries is the maximum number of retry attempts after a 429 or a
	// transport error.
	// Default: 3
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 32 seconds
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to prevent thundering herd.
	EnableJitter bool

	// Timeout bounds each individual request.
	// Default: 30 seconds
	Timeout time.Duration

	// RequestsPerMinute throttles outgoing requests. Zero disables throttling.
	RequestsPerMinute int

	// BreakerThreshold is the number of consecutive failed requests that opens
	// the circuit breaker. Zero means 5; a negative value disables the breaker.
	BreakerThreshold int

	// BreakerCooldown is how long the breaker stays open.
	// Default: 30 seconds
	BreakerCooldown time.Duration

	// Header is added to every request.
	Header http.Header

	// Stats is an optional stats tracker for recording retry events.
	Stats *Stats

	// Backend name for error messages and logging.
	Backend string

	// HTTPClient overrides the underlying client. Its Timeout is left alone.
	HTTPClient *http.Client
}

// Client is an HTTP client that handles rate limiting with exponential backoff.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker
	header       http.Header
	stats        *Stats
	backend      string
}

// errServerStatus marks 5xx responses as breaker failures.
var errServerStatus = errors.New("server error status")

// NewClient creates a new rate-limiting HTTP client with the given configuration.
func NewClient(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 1 * time.Second
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		httpClient:   httpClient,
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		header:       cfg.Header.Clone(),
		stats:        cfg.Stats,
		backend:      cfg.Backend,
	}

	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), 1)
	}

	if cfg.BreakerThreshold >= 0 {
		threshold := uint32(cfg.BreakerThreshold)
		if threshold == 0 {
			threshold = 5
		}
		cooldown := cfg.BreakerCooldown
		if cooldown <= 0 {
			cooldown = 30 * time.Second
		}
		name := cfg.Backend
		if name == "" {
			name = "api"
		}
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				utils.Debugf("%s circuit breaker: %s -> %s", name, from, to)
			},
		})
	}

	return c
}

// Do performs an HTTP request with automatic retry. Responses with status 429
// are retried with exponential backoff honoring Retry-After; transport errors
// and timeouts are retried with linearly growing delays. Other responses,
// including errors, are returned to the caller.
func (c *Client) Do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	// Read body into buffer so we can re-send on retry
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read request body")
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, "rate limiter")
			}
		}

		resp, err := c.attempt(ctx, method, url, bodyBytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, &NetworkError{Backend: c.backend, Attempts: attempt + 1, Err: err}
			}
			lastErr = err
			if attempt >= c.maxRetries {
				break
			}
			c.recordRetry()
			delay := c.baseDelay * time.Duration(attempt+1)
			utils.Warnf("%s request failed, retrying in %v (attempt %d/%d): %v", c.name(), delay, attempt+1, c.maxRetries, err)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		// Close body from rate-limited response (we'll retry)
		_ = resp.Body.Close()

		if c.stats != nil {
			c.stats.RecordRateLimit()
		}

		if attempt >= c.maxRetries {
			return nil, &RateLimitError{
				Backend:     c.backend,
				RetryAfter:  c.baseDelay,
				Attempt:     attempt,
				MaxAttempts: c.maxRetries,
			}
		}

		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		delay := c.calculateBackoff(attempt, retryAfter)
		c.recordRetry()
		utils.Warnf("%s rate limited, retrying in %v (attempt %d/%d)", c.name(), delay, attempt+1, c.maxRetries)

		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &NetworkError{Backend: c.backend, Attempts: c.maxRetries + 1, Err: lastErr}
}

// attempt sends one request through the circuit breaker.
func (c *Client) attempt(ctx context.Context, method, url string, bodyBytes []byte) (*http.Response, error) {
	send := func() (*http.Response, error) {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create request")
		}
		for k, values := range c.header {
			for _, v := range values {
				req.Header.Add(k, v)
			}
		}
		utils.Debugf("%s %s", method, url)
		return c.httpClient.Do(req)
	}

	if c.breaker == nil {
		return send()
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := send()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return result.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *Client) name() string {
	if c.backend == "" {
		return "API"
	}
	return c.backend
}

func (c *Client) recordRetry() {
	if c.stats != nil {
		c.stats.RecordRetry()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		return *retryAfter
	}

	// Exponential backoff: base * 2^attempt
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	if delay > c.maxDelay {
		delay = c.maxDelay
	}

	// Add jitter if enabled (±20%)
	if c.enableJitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}

	return delay
}

// RateLimitError represents an error when rate limit retries are exhausted.
type RateLimitError struct {
	Backend     string
	RetryAfter  time.Duration
	Attempt     int
	MaxAttempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	backend := e.Backend
	if backend == "" {
		backend = "API"
	}
	return fmt.Sprintf("%s rate limit exceeded after %d retries (max %d)", backend, e.Attempt, e.MaxAttempts)
}

// NetworkError is returned when a request could not be completed: transport
// failures persisted through every retry, or the circuit breaker is open.
type NetworkError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	backend := e.Backend
	if backend == "" {
		backend = "API"
	}
	return fmt.Sprintf("%s request failed after %d attempts: %v", backend, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseRetryAfter parses the Retry-After header value.
// It supports both seconds format (integer) and HTTP-date format.
// Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks retry statistics for a backend.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	retryCount      int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = time.Now()
}

// RecordRetry records a retried request.
func (s *Stats) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount++
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// RetryCount returns the number of retried requests.
func (s *Stats) RetryCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}

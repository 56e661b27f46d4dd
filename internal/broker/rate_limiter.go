package broker

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter manages GitHub API rate limiting
type RateLimiter interface {
	Wait(ctx context.Context) error
	CheckLimit() (remaining int, resetTime time.Time, err error)
	UpdateLimit(remaining int, resetTime time.Time)
}

// githubRateLimiter implements RateLimiter for one GitHub host
type githubRateLimiter struct {
	mu        sync.Mutex
	remaining int
	resetTime time.Time
	minDelay  time.Duration
	lastCall  time.Time
	logger    *slog.Logger
}

// NewRateLimiter creates a new rate limiter spacing calls by at least minDelay
func NewRateLimiter(minDelay time.Duration, logger *slog.Logger) RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &githubRateLimiter{
		remaining: 5000, // GitHub API default limit
		resetTime: time.Now().Add(time.Hour),
		minDelay:  minDelay,
		logger:    logger,
	}
}

// Wait waits until it's safe to make another API call
func (r *githubRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if we need to wait for rate limit reset
	if r.remaining <= 10 {
		waitDuration := time.Until(r.resetTime)
		if waitDuration > 0 {
			r.logger.Warn("rate limit low, waiting for reset",
				"remaining", r.remaining, "wait", waitDuration.Round(time.Second))
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				r.mu.Lock()
				return ctx.Err()
			case <-time.After(waitDuration):
				r.mu.Lock()
			}
			r.logger.Info("rate limit reset, continuing")
		}
		r.remaining = 5000
		r.resetTime = time.Now().Add(time.Hour)
	}

	// Ensure minimum delay between requests
	elapsed := time.Since(r.lastCall)
	if elapsed < r.minDelay {
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			r.mu.Lock()
			return ctx.Err()
		case <-time.After(r.minDelay - elapsed):
			r.mu.Lock()
		}
	}

	r.lastCall = time.Now()
	return nil
}

// CheckLimit returns the current rate limit status
func (r *githubRateLimiter) CheckLimit() (remaining int, resetTime time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.resetTime, nil
}

// UpdateLimit updates the rate limit from API response headers
func (r *githubRateLimiter) UpdateLimit(remaining int, resetTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.resetTime = resetTime
}

// rateLimitedTransport waits on the limiter before each request and feeds
// the X-RateLimit-* response headers back into it
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter RateLimiter
}

func newRateLimitedTransport(base http.RoundTripper, limiter RateLimiter) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &rateLimitedTransport{base: base, limiter: limiter}
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	remaining, errRemaining := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	reset, errReset := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if errRemaining == nil && errReset == nil {
		t.limiter.UpdateLimit(remaining, time.Unix(reset, 0))
	}
	return resp, nil
}

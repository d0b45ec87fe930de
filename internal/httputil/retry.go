package httputil

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls the retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)

	// Client defaults to http.DefaultClient.
	Client *http.Client
}

// Do executes an HTTP request with retry/backoff. buildReq is called per
// attempt because request bodies are consumed on read.
//
// Network errors, 429 and 5xx are retried. Any other status is returned
// immediately. When retries run out on 429 or 5xx the last response is
// returned with its body intact so callers can decode the error payload.
func Do(ctx context.Context, buildReq func() (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := max(cfg.MaxAttempts, 1)
	var lastErr error

	for attempt := range attempts {
		last := attempt == attempts-1
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if !last {
				slog.Warn("httputil: retrying after network error",
					"attempt", attempt+1,
					"max", attempts,
					"err", err,
				)
				if sleepErr := sleepWithContext(ctx, backoff(cfg, attempt, nil)); sleepErr != nil {
					return nil, sleepErr
				}
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || last {
			return resp, nil
		}

		delay := backoff(cfg, attempt, resp)
		resp.Body.Close()
		slog.Warn("httputil: retrying after status",
			"attempt", attempt+1,
			"max", attempts,
			"status", resp.StatusCode,
			"delay", delay,
		)
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", attempts, lastErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// backoff computes the sleep duration for the given attempt. A Retry-After
// header on the response takes precedence.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return ra
		}
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	jitter := delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < 0 {
		delay = float64(cfg.BaseDelay)
	}
	return time.Duration(delay)
}

// parseRetryAfter parses a Retry-After value given in seconds or as an
// HTTP-date. It returns 0 when the value is empty or unparseable.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

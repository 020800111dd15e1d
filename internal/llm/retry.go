package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxBackoff    = 30 * time.Second
	maxRetryAfter = 2 * time.Minute
)

// doWithRetry makes up to MaxRetries+1 attempts. It retries transient network
// errors, 408, 429 and 5xx, honors Retry-After, and backs off with full jitter
// otherwise. Context errors end the loop immediately.
func (c *client) doWithRetry(
	ctx context.Context,
	body []byte,
	do func(ctx context.Context, body []byte) (*http.Response, error),
) (*http.Response, error) {
	var lastErr error
	maxAttempts := max(c.cfg.MaxRetries+1, 1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := do(ctx, body)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.logger.Debug("llm upstream attempt",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)

		var wait time.Duration
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetError(err) {
				return nil, err
			}
			lastErr = err
		case !shouldRetryStatus(status):
			return resp, nil
		default:
			lastErr = fmt.Errorf("upstream status %d", status)
			wait = parseRetryAfter(resp)
			// close before retrying so the connection can be reused
			if resp.Body != nil {
				resp.Body.Close()
			}
		}

		if attempt == maxAttempts-1 {
			break
		}
		if wait <= 0 {
			wait = computeBackoff(c.cfg.BaseBackoff, attempt)
		} else {
			c.logger.Info("honoring Retry-After header", zap.Duration("wait", wait), zap.Int("status", status))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	c.logger.Warn("llm request exhausted all retries",
		zap.Int("attempts", maxAttempts),
		zap.Error(lastErr),
	)
	if lastErr == nil {
		lastErr = errors.New("unknown upstream error")
	}
	return nil, fmt.Errorf("llmclient: max retries (%d) exceeded: %w", maxAttempts, lastErr)
}

func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	// wrapped errors sometimes only survive as text
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func shouldRetryStatus(status int) bool {
	switch {
	case status == 0,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date. Zero means absent.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(v); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = time.Until(t)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

// computeBackoff returns a random wait in [0, base*2^attempt), capped.
func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempt = min(attempt, 10)

	ceiling := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	ceiling = min(ceiling, maxBackoff)

	return time.Duration(rand.Float64() * float64(ceiling))
}

// Package retry provides a generic exponential-backoff executor for
// fallible operations against failure-prone upstreams (the embedding
// provider, the vector index).
//
// The package is pure and stateless: it knows nothing about embeddings,
// chunks, or tenants. Any operation returning (T, error) can be wrapped.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Default policy values applied by Do when the corresponding Config field
// is zero.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1000 * time.Millisecond
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 30 * time.Second
)

// Config configures the backoff policy.
//
// The delay before retry attempt a (0-based) is
// min(BaseDelay * Multiplier^a, MaxDelay), perturbed by up to
// ±(delay * Jitter) when Jitter > 0 and clamped to >= 0.
type Config struct {
	MaxRetries int           // Retries after the initial attempt (total attempts = 1 + MaxRetries)
	BaseDelay  time.Duration // Delay before the first retry
	Multiplier float64       // Exponential growth factor
	MaxDelay   time.Duration // Upper bound on any single delay
	Jitter     float64       // Fraction [0,1] of the delay to randomize

	// ShouldRetry decides whether err at the given 0-based attempt index is
	// worth retrying. nil means retry on every error.
	ShouldRetry func(err error, attempt int) bool

	// Observation hooks. All optional.
	OnRetry     func(attempt int, delay time.Duration, err error)
	OnSuccess   func(attempts int, elapsed time.Duration)
	OnExhausted func(attempts int, err error)
}

// DefaultConfig returns the default policy: 3 retries, 1s base delay,
// doubling up to 30s, no jitter, retry on every error.
func DefaultConfig() Config {
	return Config{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
	}
}

// withDefaults fills zero fields so a partially specified Config behaves
// sensibly. MaxRetries: 0 is a valid value (single attempt), so only
// negative values are normalized.
func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Error is the failure result of Do. Exhausted distinguishes "ran out of
// retries" from a non-retryable short-circuit.
type Error struct {
	Attempts  int   // Attempts actually made
	Exhausted bool  // True when MaxRetries were consumed
	Err       error // Last error from the operation (or ctx.Err on cancellation)
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("non-retryable error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Delay computes the backoff delay for the given 0-based attempt index.
// Deterministic when cfg.Jitter == 0.
func Delay(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()

	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if d > float64(cfg.MaxDelay) || math.IsInf(d, 1) {
		d = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		// Uniform in [-jitter*d, +jitter*d]
		d += (rand.Float64()*2 - 1) * cfg.Jitter * d
		if d < 0 {
			d = 0
		}
	}

	return time.Duration(d)
}

// Do executes op with exponential backoff. On success the result is
// returned immediately. On failure the error is always a *Error carrying
// the attempt count, so callers can distinguish exhaustion from a
// non-retryable short-circuit with errors.As.
//
// Context cancellation aborts an in-flight backoff sleep; op itself is
// responsible for honoring ctx during execution.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.withDefaults()

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := op(ctx)
		if err == nil {
			if cfg.OnSuccess != nil {
				cfg.OnSuccess(attempt+1, time.Since(start))
			}
			return result, nil
		}

		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err, attempt) {
			return zero, &Error{Attempts: attempt + 1, Err: err}
		}

		if attempt == cfg.MaxRetries {
			break
		}

		delay := Delay(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}

		select {
		case <-ctx.Done():
			return zero, &Error{
				Attempts: attempt + 1,
				Err:      fmt.Errorf("canceled during backoff: %w", ctx.Err()),
			}
		case <-time.After(delay):
		}
	}

	attempts := cfg.MaxRetries + 1
	if cfg.OnExhausted != nil {
		cfg.OnExhausted(attempts, lastErr)
	}
	return zero, &Error{Attempts: attempts, Exhausted: true, Err: lastErr}
}

// transientPatterns groups error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: string matching is used because the embedding provider SDKs do not
// expose typed errors for transient failures.
var transientPatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// Transient reports whether err looks like a transient upstream failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	for _, group := range transientPatterns {
		if containsAny(errStr, group...) {
			return true
		}
	}
	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls in-call retries with exponential backoff.
type RetryConfig struct {
	// MaxAttempts includes the first try. Default: 3.
	MaxAttempts int
	// InitialBackoff is the first delay. Default: 500ms.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay. Default: 30s.
	MaxBackoff time.Duration
	// Multiplier scales the delay per attempt. Default: 2.
	Multiplier float64
	// JitterFraction adds ± that fraction of the delay. Zero disables jitter.
	JitterFraction float64
	// ShouldRetry overrides IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the defaults used for provider API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for functions returning a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt == cfg.MaxAttempts-1 {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		timer := time.NewTimer(jitter(Backoff(attempt, cfg.InitialBackoff, cfg.MaxBackoff, cfg.Multiplier), cfg.JitterFraction))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

// Backoff returns initial * multiplier^attempt, capped at max. attempt is
// zero-based.
func Backoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(initial) * math.Pow(multiplier, float64(attempt))
	if d > float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}

func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	span := float64(d) * fraction
	out := float64(d) + (rand.Float64()*2-1)*span
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// RetryLogger returns an OnRetry callback that logs each attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

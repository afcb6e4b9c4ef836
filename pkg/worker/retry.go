package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/durable-etl/pkg/core"
)

// RetryConfig is the backoff policy for the worker's own job bookkeeping:
// dequeue, complete, fail and heartbeat writes. Task attempts are governed
// by the job's MaxRetries and the Backoff option instead.
type RetryConfig struct {
	// MaxAttempts counts every call, the first one included. Values below 1
	// mean a single call.
	MaxAttempts int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// JitterFraction randomizes each delay by up to ± this fraction.
	JitterFraction float64
}

// DefaultRetryConfig is the policy for complete, fail and heartbeat writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// DefaultDequeueRetryConfig is the policy for polling. Every queue loop polls,
// so it backs off further during a database outage.
func DefaultDequeueRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// delay returns the pause after failed call n (1-based).
func (c RetryConfig) delay(n int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < n && (c.MaxBackoff <= 0 || d < c.MaxBackoff); i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	if c.JitterFraction > 0 {
		jittered := d + time.Duration(float64(d)*c.JitterFraction*(rand.Float64()*2-1))
		if jittered > 0 {
			d = jittered
		}
	}
	return d
}

// retryWithBackoff calls op until it succeeds, fails with an error that a
// later call cannot fix, or runs out of attempts. The last error is returned.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, op func() error) error {
	attempts := max(cfg.MaxAttempts, 1)
	for n := 1; ; n++ {
		err := op()
		if err == nil || !IsRetryableError(err) || n >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.delay(n)):
		}
	}
}

// IsRetryableError reports whether a failed bookkeeping write may succeed
// when repeated. Cancellation and a lost job are final.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !lostJob(err)
}

// lostJob reports whether err means the job is no longer this worker's: the
// stale lock sweep handed it to another worker, or the row is gone.
func lostJob(err error) bool {
	return errors.Is(err, core.ErrJobNotOwned) || errors.Is(err, gorm.ErrRecordNotFound)
}

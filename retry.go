package durablestreams

import (
	"context"
	"math/rand"
	"time"
)

// JitterMode selects how retry delays are randomized to avoid thundering
// herds.
type JitterMode int

const (
	// JitterNone uses the exact computed backoff.
	JitterNone JitterMode = iota
	// JitterFull draws uniformly from [0, delay].
	JitterFull
	// JitterEqual keeps half the delay fixed and randomizes the rest.
	JitterEqual
	// JitterDecorrelated draws from [delay/3, delay*3].
	JitterDecorrelated
)

// RetryConfig tunes the one-shot retry helper.
//
// Retries are only safe for idempotent operations: GET and HEAD requests
// always, and producer appends carrying a Producer-Id/Epoch/Seq triple.
// A plain POST append must not go through this helper; the Stream handle
// applies its own bounded retry on transient statuses instead.
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxRetries     int
	Jitter         JitterMode
}

// DefaultRetryConfig returns the standard tuning: 100ms initial, 60s cap,
// 1.3x growth, 10 retries after the first attempt, full jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     60 * time.Second,
		Multiplier:     1.3,
		MaxRetries:     10,
		Jitter:         JitterFull,
	}
}

// NextBackoff computes the delay before the given attempt. attempt 0 uses
// the initial backoff; later attempts multiply current, capped at
// MaxBackoff, then apply jitter.
func (c RetryConfig) NextBackoff(attempt int, current time.Duration) time.Duration {
	base := c.InitialBackoff
	if attempt > 0 {
		multiplied := float64(current) * c.Multiplier
		if capped := float64(c.MaxBackoff); multiplied > capped {
			multiplied = capped
		}
		base = time.Duration(multiplied)
	}
	return applyJitter(base, c.Jitter)
}

// ShouldRetry reports whether another attempt is allowed.
func (c RetryConfig) ShouldRetry(attempt int) bool {
	return attempt < c.MaxRetries
}

// Do runs op, retrying retryable failures per the config. Non-retryable
// errors and context cancellation surface immediately.
func (c RetryConfig) Do(ctx context.Context, op func(context.Context) error) error {
	var delay time.Duration
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !Retryable(err) || !c.ShouldRetry(attempt) {
			return err
		}
		delay = c.NextBackoff(attempt, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func applyJitter(delay time.Duration, mode JitterMode) time.Duration {
	d := float64(delay)
	switch mode {
	case JitterFull:
		return time.Duration(rand.Float64() * d)
	case JitterEqual:
		half := d / 2
		return time.Duration(half + rand.Float64()*half)
	case JitterDecorrelated:
		lo, hi := d/3, d*3
		return time.Duration(lo + rand.Float64()*(hi-lo))
	default:
		return delay
	}
}

package durablestreams

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextBackoffGrowthAndCap(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
		MaxRetries:     10,
		Jitter:         JitterNone,
	}

	delay := cfg.NextBackoff(0, 0)
	if delay != 100*time.Millisecond {
		t.Fatalf("attempt 0 delay = %v", delay)
	}
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second, // capped
	}
	for i, w := range want {
		delay = cfg.NextBackoff(i+1, delay)
		if delay != w {
			t.Fatalf("attempt %d delay = %v, want %v", i+1, delay, w)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	const base = 100 * time.Millisecond
	cases := []struct {
		mode   JitterMode
		lo, hi time.Duration
	}{
		{JitterNone, base, base},
		{JitterFull, 0, base},
		{JitterEqual, base / 2, base},
		{JitterDecorrelated, base / 3, base * 3},
	}
	for _, tc := range cases {
		for i := 0; i < 200; i++ {
			d := applyJitter(base, tc.mode)
			if d < tc.lo || d > tc.hi {
				t.Fatalf("mode %v: delay %v outside [%v, %v]", tc.mode, d, tc.lo, tc.hi)
			}
		}
	}
}

func TestShouldRetry(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3}
	for attempt, want := range map[int]bool{0: true, 2: true, 3: false, 5: false} {
		if got := cfg.ShouldRetry(attempt); got != want {
			t.Fatalf("ShouldRetry(%d)=%v, want %v", attempt, got, want)
		}
	}
}

func TestDoRetriesRetryable(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
		MaxRetries:     5,
		Jitter:         JitterNone,
	}

	attempts := 0
	err := cfg.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &ServerError{Status: 503, Message: "unavailable"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	cfg := DefaultRetryConfig()

	attempts := 0
	err := cfg.Do(context.Background(), func(context.Context) error {
		attempts++
		return &NotFoundError{URL: "http://x/s"}
	})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestDoExhaustsBudget(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
		MaxRetries:     2,
		Jitter:         JitterNone,
	}

	attempts := 0
	err := cfg.Do(context.Background(), func(context.Context) error {
		attempts++
		return ErrTimeout
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 { // initial try plus two retries
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&RateLimitedError{}, true},
		{&ServerError{Status: 500}, true},
		{&ServerError{Status: 502}, true},
		{&NetworkError{Err: errors.New("conn reset")}, true},
		{ErrTimeout, true},
		{&NotFoundError{URL: "u"}, false},
		{ErrConflict, false},
		{ErrEmptyAppend, false},
		{&BadRequestError{Message: "m"}, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v)=%v, want %v", tc.err, got, tc.want)
		}
	}
}

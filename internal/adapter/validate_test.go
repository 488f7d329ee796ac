package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func i64(v int64) *int64     { return &v }
func f64(v float64) *float64 { return &v }

func TestValidateIdempotentProducer(t *testing.T) {
	a := New(DefaultConfig(), testLogger())

	cases := []struct {
		name   string
		target ValidationTarget
		ok     bool
	}{
		{"defaults", ValidationTarget{Target: "idempotent-producer"}, true},
		{"valid", ValidationTarget{Target: "idempotent-producer", Epoch: i64(3), MaxBatchBytes: i64(1024)}, true},
		{"negative epoch", ValidationTarget{Target: "idempotent-producer", Epoch: i64(-1)}, false},
		{"zero batch bytes", ValidationTarget{Target: "idempotent-producer", MaxBatchBytes: i64(0)}, false},
	}
	for _, tc := range cases {
		res := a.handleValidate(Command{Type: "validate", Target: &tc.target})
		if res.Success != tc.ok {
			t.Fatalf("%s: success=%v (message %q), want %v", tc.name, res.Success, res.Message, tc.ok)
		}
		if !tc.ok {
			require.Equal(t, "INVALID_ARGUMENT", res.ErrorCode)
		}
	}
}

func TestValidateRetryOptions(t *testing.T) {
	a := New(DefaultConfig(), testLogger())

	cases := []struct {
		name   string
		target ValidationTarget
		ok     bool
	}{
		{"defaults", ValidationTarget{Target: "retry-options"}, true},
		{"valid", ValidationTarget{Target: "retry-options", MaxRetries: i64(5), InitialDelayMS: i64(10), MaxDelayMS: i64(1000), Multiplier: f64(2.0)}, true},
		{"negative retries", ValidationTarget{Target: "retry-options", MaxRetries: i64(-1)}, false},
		{"zero initial delay", ValidationTarget{Target: "retry-options", InitialDelayMS: i64(0)}, false},
		{"zero max delay", ValidationTarget{Target: "retry-options", MaxDelayMS: i64(0)}, false},
		{"sub-unit multiplier", ValidationTarget{Target: "retry-options", Multiplier: f64(0.5)}, false},
	}
	for _, tc := range cases {
		res := a.handleValidate(Command{Type: "validate", Target: &tc.target})
		if res.Success != tc.ok {
			t.Fatalf("%s: success=%v (message %q), want %v", tc.name, res.Success, res.Message, tc.ok)
		}
	}
}

func TestValidateUnknownTarget(t *testing.T) {
	a := New(DefaultConfig(), testLogger())
	res := a.handleValidate(Command{Type: "validate", Target: &ValidationTarget{Target: "mystery"}})
	require.False(t, res.Success)
	require.Equal(t, "NOT_SUPPORTED", res.ErrorCode)
}

func TestValidateMissingTarget(t *testing.T) {
	a := New(DefaultConfig(), testLogger())
	res := a.handleValidate(Command{Type: "validate"})
	require.False(t, res.Success)
	require.Equal(t, "PARSE_ERROR", res.ErrorCode)
}

package durablestreams

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Done is returned by ChunkIterator.NextChunk when iteration is complete.
// It is not a failure; test with errors.Is.
var Done = errors.New("iteration complete")

// Simple error conditions.
var (
	// ErrConflict is returned when a stream already exists with a
	// different configuration.
	ErrConflict = errors.New("stream already exists with different configuration")
	// ErrSeqConflict is returned when a Stream-Seq precondition fails.
	ErrSeqConflict = errors.New("sequence conflict")
	// ErrUnauthorized maps HTTP 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden maps HTTP 403.
	ErrForbidden = errors.New("forbidden")
	// ErrTimeout is returned when a request exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrEmptyAppend is returned for zero-length append payloads. No
	// request is sent: empty appends have ambiguous server semantics.
	ErrEmptyAppend = errors.New("empty append not allowed")
	// ErrIteratorClosed is returned by NextChunk after Close.
	ErrIteratorClosed = errors.New("iterator closed")
	// ErrProducerClosed reports a retired producer. Producer itself does
	// not return it: appends after Close are silent no-ops and Flush
	// returns nil.
	ErrProducerClosed = errors.New("producer is closed")
	// ErrMixedAppendTypes is reported when a JSON-mode batch mixes raw and
	// JSON entries. Surfaced rather than silently dropping entries.
	ErrMixedAppendTypes = errors.New("mixed append types in JSON mode")
)

// NotFoundError maps HTTP 404 for a stream URL.
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string { return "stream not found: " + e.URL }

// OffsetGoneError maps HTTP 410: the requested offset has been removed by
// retention or compaction.
type OffsetGoneError struct {
	Offset Offset
}

func (e *OffsetGoneError) Error() string {
	return fmt.Sprintf("offset gone (retention/compaction): %s", e.Offset)
}

// RateLimitedError maps HTTP 429.
type RateLimitedError struct {
	RetryAfter time.Duration // zero when the server sent no Retry-After
}

func (e *RateLimitedError) Error() string { return "rate limited" }

// BadRequestError maps HTTP 400.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string { return "invalid request: " + e.Message }

// ServerError maps HTTP 5xx and any otherwise-unmapped status.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d - %s", e.Status, e.Message)
}

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// JSONError reports a JSON encode/decode failure.
type JSONError struct {
	Err error
}

func (e *JSONError) Error() string { return "json error: " + e.Err.Error() }
func (e *JSONError) Unwrap() error { return e.Err }

// ParseError reports malformed wire data.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return "parse error: " + e.Message }

// StaleEpochError is reported when the server holds a newer epoch for
// this producer identity.
type StaleEpochError struct {
	ServerEpoch uint64
	OurEpoch    uint64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("stale epoch: server has epoch %d, we have %d", e.ServerEpoch, e.OurEpoch)
}

// SequenceGapError is reported when sequence-gap retries are exhausted.
type SequenceGapError struct {
	Expected uint64
	Received uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sequence gap: expected %d, received %d", e.Expected, e.Received)
}

// ErrorFromStatus maps an HTTP status code to the client error taxonomy.
func ErrorFromStatus(status int, url string) error {
	switch status {
	case http.StatusBadRequest:
		return &BadRequestError{Message: "bad request"}
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return &NotFoundError{URL: url}
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return &OffsetGoneError{}
	case http.StatusTooManyRequests:
		return &RateLimitedError{}
	default:
		if status >= 500 {
			return &ServerError{Status: status, Message: fmt.Sprintf("server error %d", status)}
		}
		return &ServerError{Status: status, Message: fmt.Sprintf("unexpected status %d", status)}
	}
}

// Retryable reports whether err is transient: rate limiting, 5xx server
// errors, network failures, and timeouts.
func Retryable(err error) bool {
	var (
		rl  *RateLimitedError
		se  *ServerError
		net *NetworkError
	)
	switch {
	case errors.As(err, &rl):
		return true
	case errors.As(err, &se):
		return se.Status >= 500
	case errors.As(err, &net):
		return true
	case errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}

// StatusCode returns the HTTP status associated with err, if any.
func StatusCode(err error) (int, bool) {
	var (
		nf *NotFoundError
		og *OffsetGoneError
		rl *RateLimitedError
		br *BadRequestError
		se *ServerError
	)
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound, true
	case errors.As(err, &og):
		return http.StatusGone, true
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, true
	case errors.As(err, &br):
		return http.StatusBadRequest, true
	case errors.As(err, &se):
		return se.Status, true
	case errors.Is(err, ErrConflict), errors.Is(err, ErrSeqConflict):
		return http.StatusConflict, true
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, true
	default:
		return 0, false
	}
}

// ErrorCode maps err to the conformance-protocol error code string.
func ErrorCode(err error) string {
	var (
		nf *NotFoundError
		og *OffsetGoneError
		br *BadRequestError
		pe *ParseError
	)
	switch {
	case errors.As(err, &nf):
		return "NOT_FOUND"
	case errors.Is(err, ErrSeqConflict):
		return "SEQUENCE_CONFLICT"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.As(err, &og), errors.As(err, &br):
		return "INVALID_OFFSET"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.As(err, &pe):
		return "PARSE_ERROR"
	default:
		return "UNEXPECTED_STATUS"
	}
}

// ParseRetryAfter parses a Retry-After header value: integer seconds or
// an HTTP-date. Returns zero when absent or malformed.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

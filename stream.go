package durablestreams

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Protocol header names.
const (
	headerContentType  = "Content-Type"
	headerStreamOffset = "Stream-Next-Offset"
	headerStreamCursor = "Stream-Cursor"
	headerUpToDate     = "Stream-Up-To-Date"
	headerStreamSeq    = "Stream-Seq"
	headerStreamTTL    = "Stream-Ttl"
	headerStreamExpiry = "Stream-Expires-At"
	headerETag         = "ETag"
	headerIfMatch      = "If-Match"

	headerProducerID          = "Producer-Id"
	headerProducerEpoch       = "Producer-Epoch"
	headerProducerSeq         = "Producer-Seq"
	headerProducerExpectedSeq = "Producer-Expected-Seq"
)

const defaultContentType = "application/octet-stream"

// maxAppendRetries bounds the transient-error retry budget of one-shot
// appends.
const maxAppendRetries = 3

// Stream is a handle to one durable stream: a lightweight, copyable
// value, not a connection. Operations make HTTP requests on demand and
// never cache server metadata.
type Stream struct {
	url         string
	client      *Client
	contentType string
}

// URL returns the fully-qualified stream URL.
func (s *Stream) URL() string { return s.url }

// ContentType returns the content type set on this handle. It is used as
// the default for appends and for producer JSON-mode detection, and is
// not populated from the server.
func (s *Stream) ContentType() string { return s.contentType }

// SetContentType sets the handle's default content type.
func (s *Stream) SetContentType(ct string) { s.contentType = ct }

// CreateOptions configures stream creation.
type CreateOptions struct {
	ContentType string
	TTL         time.Duration
	ExpiresAt   string // RFC3339
	Headers     map[string]string
	InitialData []byte
}

// AppendOptions configures a one-shot append.
type AppendOptions struct {
	// Seq is an opaque client-assigned sequence token; the server rejects
	// appends whose token does not increase.
	Seq string
	// IfMatch is an ETag precondition.
	IfMatch string
	Headers map[string]string
}

// HeadOptions configures a metadata fetch.
type HeadOptions struct {
	Headers map[string]string
}

// DeleteOptions configures stream deletion.
type DeleteOptions struct {
	Headers map[string]string
}

// AppendResponse is the acknowledgment of a one-shot append.
type AppendResponse struct {
	NextOffset Offset
	ETag       string
}

// HeadResponse is the stream metadata from a HEAD request.
type HeadResponse struct {
	NextOffset  Offset
	ContentType string
	TTL         time.Duration
	HasTTL      bool
	ExpiresAt   string
	ETag        string
}

// Create creates the stream with default options. Idempotent: succeeds
// when the stream already exists with matching configuration.
func (s *Stream) Create(ctx context.Context) error {
	return s.CreateWith(ctx, CreateOptions{})
}

// CreateWith creates the stream. ErrConflict is returned only when the
// existing stream's configuration differs.
func (s *Stream) CreateWith(ctx context.Context, opts CreateOptions) error {
	ct := opts.ContentType
	if ct == "" {
		ct = defaultContentType
	}

	var body io.Reader
	if len(opts.InitialData) > 0 {
		body = bytes.NewReader(opts.InitialData)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, body)
	if err != nil {
		return &NetworkError{Err: err}
	}
	req.Header.Set(headerContentType, ct)
	if opts.TTL > 0 {
		req.Header.Set(headerStreamTTL, strconv.FormatInt(int64(opts.TTL/time.Second), 10))
	}
	if opts.ExpiresAt != "" {
		req.Header.Set(headerStreamExpiry, opts.ExpiresAt)
	}
	s.applyHeaders(req, opts.Headers)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return wrapTransportErr(ctx, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return ErrConflict
	default:
		return ErrorFromStatus(resp.StatusCode, s.url)
	}
}

// Append appends data with default options.
func (s *Stream) Append(ctx context.Context, data []byte) (*AppendResponse, error) {
	return s.AppendWith(ctx, data, AppendOptions{})
}

// AppendWith appends data to the stream.
//
// Transient failures (429, 5xx, network errors) are retried up to three
// times with doubling backoff; other statuses surface immediately. Empty
// payloads fail with ErrEmptyAppend before any request is sent.
func (s *Stream) AppendWith(ctx context.Context, data []byte, opts AppendOptions) (*AppendResponse, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAppend
	}

	ct := s.contentType
	if ct == "" {
		ct = defaultContentType
	}

	var lastErr error
	for attempt := 0; attempt <= maxAppendRetries; attempt++ {
		if attempt > 0 {
			// 100ms, 200ms, 400ms.
			delay := time.Duration(100<<(attempt-1)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
		if err != nil {
			return nil, &NetworkError{Err: err}
		}
		req.Header.Set(headerContentType, ct)
		if opts.Seq != "" {
			req.Header.Set(headerStreamSeq, opts.Seq)
		}
		if opts.IfMatch != "" {
			req.Header.Set(headerIfMatch, opts.IfMatch)
		}
		s.applyHeaders(req, opts.Headers)

		resp, err := s.client.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = wrapTransportErr(ctx, err)
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			next := ParseOffset(resp.Header.Get(headerStreamOffset))
			etag := resp.Header.Get(headerETag)
			drainAndClose(resp.Body)
			return &AppendResponse{NextOffset: next, ETag: etag}, nil
		case http.StatusNotFound:
			drainAndClose(resp.Body)
			return nil, &NotFoundError{URL: s.url}
		case http.StatusConflict:
			drainAndClose(resp.Body)
			return nil, ErrSeqConflict
		case http.StatusTooManyRequests:
			lastErr = &RateLimitedError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
			drainAndClose(resp.Body)
			continue
		default:
			code := resp.StatusCode
			drainAndClose(resp.Body)
			if code >= 500 {
				lastErr = ErrorFromStatus(code, s.url)
				continue
			}
			return nil, ErrorFromStatus(code, s.url)
		}
	}

	if lastErr == nil {
		lastErr = &ServerError{Status: 500, Message: "all retries failed"}
	}
	return nil, lastErr
}

// Head fetches stream metadata with default options.
func (s *Stream) Head(ctx context.Context) (*HeadResponse, error) {
	return s.HeadWith(ctx, HeadOptions{})
}

// HeadWith fetches stream metadata.
func (s *Stream) HeadWith(ctx context.Context, opts HeadOptions) (*HeadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	s.applyHeaders(req, opts.Headers)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(ctx, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		out := &HeadResponse{
			NextOffset:  ParseOffset(resp.Header.Get(headerStreamOffset)),
			ContentType: resp.Header.Get(headerContentType),
			ExpiresAt:   resp.Header.Get(headerStreamExpiry),
			ETag:        resp.Header.Get(headerETag),
		}
		if v := resp.Header.Get(headerStreamTTL); v != "" {
			if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
				out.TTL = time.Duration(secs) * time.Second
				out.HasTTL = true
			}
		}
		return out, nil
	case http.StatusNotFound:
		return nil, &NotFoundError{URL: s.url}
	default:
		return nil, ErrorFromStatus(resp.StatusCode, s.url)
	}
}

// Delete deletes the stream with default options.
func (s *Stream) Delete(ctx context.Context) error {
	return s.DeleteWith(ctx, DeleteOptions{})
}

// DeleteWith deletes the stream.
func (s *Stream) DeleteWith(ctx context.Context, opts DeleteOptions) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return &NetworkError{Err: err}
	}
	s.applyHeaders(req, opts.Headers)

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return wrapTransportErr(ctx, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return &NotFoundError{URL: s.url}
	default:
		return ErrorFromStatus(resp.StatusCode, s.url)
	}
}

// Read returns a builder for consuming the stream.
func (s *Stream) Read() *ReadBuilder {
	return newReadBuilder(s)
}

// Producer returns a builder for an idempotent producer writing to this
// stream.
func (s *Stream) Producer(producerID string) *ProducerBuilder {
	return newProducerBuilder(s, producerID)
}

// applyHeaders sets client default headers, dynamic provider headers, and
// per-operation headers, in increasing precedence.
func (s *Stream) applyHeaders(req *http.Request, extra map[string]string) {
	for k, vs := range s.client.requestHeaders() {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// buildReadURL appends offset, live and cursor query parameters,
// respecting any query string already present on the stream URL.
func (s *Stream) buildReadURL(offset Offset, live string, cursor string) string {
	var params []string
	params = append(params, "offset="+offset.QueryValue())
	if live != "" {
		params = append(params, "live="+live)
	}
	if cursor != "" {
		params = append(params, "cursor="+cursor)
	}

	sep := "?"
	if strings.Contains(s.url, "?") {
		sep = "&"
	}
	return s.url + sep + strings.Join(params, "&")
}

// wrapTransportErr classifies a transport failure as a timeout or a
// network error.
func wrapTransportErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if isTimeout(err) {
		return ErrTimeout
	}
	return &NetworkError{Err: err}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

package durablestreams

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// Chunk is one unit of delivery from a stream read: one HTTP response
// body in catch-up and long-poll modes, one SSE data event payload in
// SSE mode.
type Chunk struct {
	// Data is the raw payload bytes. Empty for status-only chunks.
	Data []byte

	// NextOffset is the position after this chunk, for resumption and
	// checkpointing.
	NextOffset Offset

	// UpToDate is true when this chunk ends at the stream tail: the
	// response included all available data (catch-up), the server timed
	// out with no new data (long-poll 204), or a control event said so
	// (SSE).
	UpToDate bool

	// Cursor for CDN request collapsing; propagated automatically.
	Cursor string

	// StatusCode is the HTTP status that produced this chunk: 200, 204
	// (no content), or 304 (not modified). Zero means the SSE connection
	// closed and the next NextChunk call reconnects.
	StatusCode int
}

// ReadBuilder configures a stream read. Build performs no I/O.
type ReadBuilder struct {
	stream  *Stream
	offset  Offset
	live    LiveMode
	timeout time.Duration
	headers map[string]string
	cursor  string
}

func newReadBuilder(s *Stream) *ReadBuilder {
	return &ReadBuilder{
		stream:  s,
		offset:  OffsetBeginning,
		live:    LiveOff,
		timeout: 30 * time.Second,
	}
}

// Offset sets the starting offset.
func (b *ReadBuilder) Offset(o Offset) *ReadBuilder {
	b.offset = o
	return b
}

// Live sets the live mode.
func (b *ReadBuilder) Live(m LiveMode) *ReadBuilder {
	b.live = m
	return b
}

// Timeout sets the long-poll timeout. Default 30s.
func (b *ReadBuilder) Timeout(d time.Duration) *ReadBuilder {
	b.timeout = d
	return b
}

// Header adds a custom header to every request the iterator makes.
func (b *ReadBuilder) Header(key, value string) *ReadBuilder {
	if b.headers == nil {
		b.headers = map[string]string{}
	}
	b.headers[key] = value
	return b
}

// Cursor sets the initial CDN-collapsing cursor.
func (b *ReadBuilder) Cursor(c string) *ReadBuilder {
	b.cursor = c
	return b
}

// Build constructs the iterator. No network request is made until
// NextChunk is called.
func (b *ReadBuilder) Build() *ChunkIterator {
	return &ChunkIterator{
		stream:  b.stream,
		offset:  b.offset,
		live:    b.live,
		timeout: b.timeout,
		headers: b.headers,
		cursor:  b.cursor,
		log:     b.stream.client.log,
	}
}

// ChunkIterator delivers a monotonically advancing sequence of Chunks,
// switching between catch-up GETs, long-poll and SSE per the configured
// LiveMode and surviving idle timeouts and server-driven disconnects.
//
// Call NextChunk in a loop until it returns Done, and Close when
// finished.
type ChunkIterator struct {
	stream  *Stream
	live    LiveMode
	timeout time.Duration
	headers map[string]string
	log     logrus.FieldLogger

	mu       sync.Mutex
	offset   Offset
	cursor   string
	upToDate bool
	closed   bool
	done     bool
	sse      *sseConn
}

// sseConn is a live SSE connection plus its framing state.
type sseConn struct {
	body   io.ReadCloser
	parser *sseParser
	buf    []byte
}

// Offset returns the current resume position.
func (it *ChunkIterator) Offset() Offset {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.offset
}

// UpToDate reports whether the iterator has observed the stream tail.
func (it *ChunkIterator) UpToDate() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.upToDate
}

// Cursor returns the current CDN cursor.
func (it *ChunkIterator) Cursor() string {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.cursor
}

// Close releases the iterator and any live SSE connection. Idempotent.
func (it *ChunkIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return nil
	}
	it.closed = true
	it.dropSSELocked()
	return nil
}

func (it *ChunkIterator) dropSSELocked() {
	if it.sse != nil {
		_ = it.sse.body.Close()
		it.sse = nil
	}
}

// NextChunk fetches the next chunk. It returns Done when iteration is
// complete (LiveOff and caught up). In live modes it blocks until data
// arrives or the long-poll window elapses.
func (it *ChunkIterator) NextChunk(ctx context.Context) (*Chunk, error) {
	it.mu.Lock()
	if it.closed {
		it.mu.Unlock()
		return nil, ErrIteratorClosed
	}
	if it.done {
		it.mu.Unlock()
		return nil, Done
	}
	hasSSE := it.sse != nil
	live := it.live
	upToDate := it.upToDate
	it.mu.Unlock()

	if hasSSE {
		return it.nextSSEChunk(ctx)
	}

	switch live {
	case LiveSSE:
		return it.establishSSE(ctx)
	case LiveAuto:
		if upToDate {
			return it.establishSSE(ctx)
		}
		return it.nextHTTP(ctx, "")
	case LiveLongPoll:
		return it.nextHTTP(ctx, "long-poll")
	default:
		return it.nextHTTP(ctx, "")
	}
}

func (it *ChunkIterator) nextHTTP(ctx context.Context, liveParam string) (*Chunk, error) {
	it.mu.Lock()
	url := it.stream.buildReadURL(it.offset, liveParam, it.cursor)
	it.mu.Unlock()

	reqCtx := ctx
	var cancel context.CancelFunc
	if liveParam == "long-poll" && it.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, it.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	it.applyHeaders(req)

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// A long-poll window elapsing is not an error: the server simply
		// had nothing new to say.
		if liveParam == "long-poll" && (reqCtx.Err() == context.DeadlineExceeded || isTimeout(err)) {
			return it.longPollTimedOut()
		}
		return nil, wrapTransportErr(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := readBody(resp)
		if err != nil {
			return nil, &NetworkError{Err: err}
		}

		nextOffset := ParseOffset(resp.Header.Get(headerStreamOffset))
		cursor := resp.Header.Get(headerStreamCursor)
		upToDate := resp.Header.Get(headerUpToDate) == "true"

		it.mu.Lock()
		if resp.Header.Get(headerStreamOffset) == "" {
			nextOffset = it.offset
		}
		it.offset = nextOffset
		it.cursor = cursor
		it.upToDate = upToDate
		if upToDate && it.live == LiveOff {
			it.done = true
		}
		it.mu.Unlock()

		return &Chunk{
			Data:       data,
			NextOffset: nextOffset,
			UpToDate:   upToDate,
			Cursor:     cursor,
			StatusCode: http.StatusOK,
		}, nil

	case http.StatusNoContent:
		drainAndClose(resp.Body)

		it.mu.Lock()
		if v := resp.Header.Get(headerStreamOffset); v != "" {
			it.offset = ParseOffset(v)
		}
		if v := resp.Header.Get(headerStreamCursor); v != "" {
			it.cursor = v
		}
		it.upToDate = true
		if it.live == LiveOff {
			it.done = true
			it.mu.Unlock()
			return nil, Done
		}
		chunk := &Chunk{
			NextOffset: it.offset,
			UpToDate:   true,
			Cursor:     it.cursor,
			StatusCode: http.StatusNoContent,
		}
		it.mu.Unlock()
		return chunk, nil

	case http.StatusNotModified:
		drainAndClose(resp.Body)

		it.mu.Lock()
		if v := resp.Header.Get(headerStreamCursor); v != "" {
			it.cursor = v
		}
		chunk := &Chunk{
			NextOffset: it.offset,
			UpToDate:   it.upToDate,
			Cursor:     it.cursor,
			StatusCode: http.StatusNotModified,
		}
		it.mu.Unlock()
		return chunk, nil

	case http.StatusNotFound:
		drainAndClose(resp.Body)
		return nil, &NotFoundError{URL: it.stream.url}

	case http.StatusGone:
		drainAndClose(resp.Body)
		it.mu.Lock()
		offset := it.offset
		it.mu.Unlock()
		return nil, &OffsetGoneError{Offset: offset}

	default:
		code := resp.StatusCode
		drainAndClose(resp.Body)
		return nil, ErrorFromStatus(code, it.stream.url)
	}
}

// longPollTimedOut maps an elapsed long-poll window to a 204-equivalent
// chunk, or end-of-stream in LiveOff mode.
func (it *ChunkIterator) longPollTimedOut() (*Chunk, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.upToDate = true
	if it.live == LiveOff {
		it.done = true
		return nil, Done
	}
	return &Chunk{
		NextOffset: it.offset,
		UpToDate:   true,
		Cursor:     it.cursor,
		StatusCode: http.StatusNoContent,
	}, nil
}

func (it *ChunkIterator) establishSSE(ctx context.Context) (*Chunk, error) {
	it.mu.Lock()
	url := it.stream.buildReadURL(it.offset, "sse", it.cursor)
	it.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	it.applyHeaders(req)

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapTransportErr(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if !strings.Contains(resp.Header.Get(headerContentType), "text/event-stream") {
			drainAndClose(resp.Body)
			return it.downgradeToLongPoll(ctx, "content-type mismatch")
		}
		it.mu.Lock()
		it.sse = &sseConn{
			body:   resp.Body,
			parser: newSSEParser(),
			buf:    make([]byte, 4096),
		}
		it.mu.Unlock()
		return it.nextSSEChunk(ctx)

	case http.StatusBadRequest:
		drainAndClose(resp.Body)
		return it.downgradeToLongPoll(ctx, "sse not supported")

	case http.StatusNotFound:
		drainAndClose(resp.Body)
		return nil, &NotFoundError{URL: it.stream.url}

	default:
		code := resp.StatusCode
		drainAndClose(resp.Body)
		return nil, ErrorFromStatus(code, it.stream.url)
	}
}

func (it *ChunkIterator) downgradeToLongPoll(ctx context.Context, reason string) (*Chunk, error) {
	it.log.WithField("reason", reason).Debug("sse unavailable, downgrading to long-poll")
	it.mu.Lock()
	it.live = LiveLongPoll
	it.mu.Unlock()
	return it.nextHTTP(ctx, "long-poll")
}

func (it *ChunkIterator) nextSSEChunk(ctx context.Context) (*Chunk, error) {
	it.mu.Lock()
	conn := it.sse
	it.mu.Unlock()
	if conn == nil {
		// The connection dropped between calls; long-poll covers this
		// round and SSE is re-established on the next one.
		return it.nextHTTP(ctx, "long-poll")
	}

	for {
		// Drain any events already framed in the parser before touching
		// the network.
		for {
			ev, ok := conn.parser.next()
			if !ok {
				break
			}
			if chunk := it.applySSEEvent(ev); chunk != nil {
				return chunk, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := conn.body.Read(conn.buf)
		if n > 0 {
			conn.parser.feed(conn.buf[:n])
			continue
		}
		if err == nil {
			continue
		}
		if err != io.EOF {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			_ = conn.body.Close()
			it.mu.Lock()
			it.sse = nil
			it.mu.Unlock()
			return nil, wrapTransportErr(ctx, err)
		}

		// Graceful close. In live modes the caller reconnects on the next
		// NextChunk; the zero StatusCode is the signal.
		_ = conn.body.Close()
		it.mu.Lock()
		it.sse = nil
		if !it.live.IsLive() {
			it.done = true
			it.mu.Unlock()
			return nil, Done
		}
		chunk := &Chunk{
			NextOffset: it.offset,
			UpToDate:   it.upToDate,
			Cursor:     it.cursor,
		}
		it.mu.Unlock()
		return chunk, nil
	}
}

// applySSEEvent folds one parsed event into iterator state. It returns a
// chunk to emit, or nil to keep parsing: control events without an
// up-to-date transition update state silently.
func (it *ChunkIterator) applySSEEvent(ev sseEvent) *Chunk {
	it.mu.Lock()
	defer it.mu.Unlock()

	if ev.isControl {
		it.offset = ParseOffset(ev.control.StreamNextOffset)
		if ev.control.StreamCursor != nil {
			it.cursor = *ev.control.StreamCursor
		}
		it.upToDate = ev.control.UpToDate
		if !ev.control.UpToDate {
			return nil
		}
		// Emit an empty chunk so callers can observe the caught-up
		// transition.
		return &Chunk{
			NextOffset: it.offset,
			UpToDate:   true,
			Cursor:     it.cursor,
			StatusCode: http.StatusOK,
		}
	}

	return &Chunk{
		Data:       []byte(ev.data),
		NextOffset: it.offset,
		UpToDate:   it.upToDate,
		Cursor:     it.cursor,
		StatusCode: http.StatusOK,
	}
}

func (it *ChunkIterator) applyHeaders(req *http.Request) {
	it.stream.applyHeaders(req, it.headers)
}

// readBody reads a response body, transparently decoding gzip bodies
// surfaced by CDN paths that skip the transport's automatic handling.
func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	var r io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return io.ReadAll(r)
}

package durablestreams

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestIteratorCatchUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "-1", r.URL.Query().Get("offset"))
		require.Empty(t, r.URL.Query().Get("live"))
		w.Header().Set("Stream-Next-Offset", "5")
		w.Header().Set("Stream-Up-To-Date", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Build()
	defer func() { _ = iter.Close() }()

	chunk, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", string(chunk.Data))
	require.Equal(t, Offset("5"), chunk.NextOffset)
	require.True(t, chunk.UpToDate)
	require.Equal(t, 200, chunk.StatusCode)

	_, err = iter.NextChunk(context.Background())
	require.ErrorIs(t, err, Done)
	// Done stays done.
	_, err = iter.NextChunk(context.Background())
	require.ErrorIs(t, err, Done)
}

func TestIteratorMultipleChunksThenDone(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			require.Equal(t, "-1", r.URL.Query().Get("offset"))
			w.Header().Set("Stream-Next-Offset", "5")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("first"))
		default:
			require.Equal(t, "5", r.URL.Query().Get("offset"))
			w.Header().Set("Stream-Next-Offset", "10")
			w.Header().Set("Stream-Up-To-Date", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("second"))
		}
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Build()
	defer func() { _ = iter.Close() }()
	ctx := context.Background()

	chunk, err := iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", string(chunk.Data))
	require.False(t, chunk.UpToDate)

	chunk, err = iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(chunk.Data))
	require.True(t, chunk.UpToDate)

	_, err = iter.NextChunk(ctx)
	require.ErrorIs(t, err, Done)
}

func TestIteratorNoContentOffMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Stream-Next-Offset", "3")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Build()
	_, err := iter.NextChunk(context.Background())
	require.ErrorIs(t, err, Done)
	require.Equal(t, Offset("3"), iter.Offset())
	require.True(t, iter.UpToDate())
}

func TestIteratorNoContentLiveMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "long-poll", r.URL.Query().Get("live"))
		w.Header().Set("Stream-Cursor", "c2")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Live(LiveLongPoll).Build()
	defer func() { _ = iter.Close() }()

	chunk, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Empty(t, chunk.Data)
	require.True(t, chunk.UpToDate)
	require.Equal(t, 204, chunk.StatusCode)
	require.Equal(t, "c2", chunk.Cursor)
}

func TestIteratorNotModified(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Stream-Cursor", "c9")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		require.Equal(t, "c9", r.URL.Query().Get("cursor"))
		w.Header().Set("Stream-Next-Offset", "1")
		w.Header().Set("Stream-Up-To-Date", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("x"))
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Build()
	defer func() { _ = iter.Close() }()
	ctx := context.Background()

	chunk, err := iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, 304, chunk.StatusCode)
	require.Empty(t, chunk.Data)
	require.Equal(t, "c9", chunk.Cursor)

	// The propagated cursor rides the next request.
	chunk, err = iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", string(chunk.Data))
}

func TestIteratorOffsetGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Offset(Offset("stale")).Build()
	_, err := iter.NextChunk(context.Background())
	var gone *OffsetGoneError
	require.ErrorAs(t, err, &gone)
	require.Equal(t, Offset("stale"), gone.Offset)
}

func TestIteratorNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Build()
	_, err := iter.NextChunk(context.Background())
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestIteratorClosed(t *testing.T) {
	iter := NewClient().Stream("http://example.com/s").Read().Build()
	require.NoError(t, iter.Close())
	require.NoError(t, iter.Close())

	_, err := iter.NextChunk(context.Background())
	require.ErrorIs(t, err, ErrIteratorClosed)
}

func TestIteratorLongPollTimeoutIsNoContent(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()
	defer close(release)

	iter := NewClient().Stream(server.URL + "/s").Read().
		Live(LiveLongPoll).
		Timeout(50 * time.Millisecond).
		Build()
	defer func() { _ = iter.Close() }()

	chunk, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Equal(t, 204, chunk.StatusCode)
	require.True(t, chunk.UpToDate)
}

func sseHandler(t *testing.T, script func(w http.ResponseWriter, flush func())) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("live") != "sse" {
			t.Errorf("expected live=sse, got %q", r.URL.RawQuery)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("streaming unsupported")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		script(w, flusher.Flush)
	}
}

func TestIteratorSSE(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, "event: control\ndata: {\"streamNextOffset\":\"5\",\"upToDate\":false}\n\n")
		fmt.Fprint(w, "data: payload-1\n\n")
		flush()
		fmt.Fprint(w, "event: control\ndata: {\"streamNextOffset\":\"9\",\"upToDate\":true}\n\n")
		flush()
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Live(LiveSSE).Build()
	defer func() { _ = iter.Close() }()
	ctx := context.Background()

	// The first control event updates state without emitting; the data
	// event is delivered at the updated offset.
	chunk, err := iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, "payload-1", string(chunk.Data))
	require.Equal(t, Offset("5"), chunk.NextOffset)
	require.False(t, chunk.UpToDate)

	// The caught-up control transition is observable as an empty chunk.
	chunk, err = iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Empty(t, chunk.Data)
	require.True(t, chunk.UpToDate)
	require.Equal(t, Offset("9"), chunk.NextOffset)
	require.Equal(t, 200, chunk.StatusCode)

	// Server closes the connection: reconnect signal, not end-of-stream,
	// because the mode is live.
	chunk, err = iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Zero(t, chunk.StatusCode)
	require.Empty(t, chunk.Data)
}

func TestIteratorSSEDowngradeOnContentType(t *testing.T) {
	var sawLongPoll atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("live") {
		case "sse":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("{}"))
		case "long-poll":
			sawLongPoll.Store(true)
			w.Header().Set("Stream-Next-Offset", "4")
			w.Header().Set("Stream-Up-To-Date", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("data"))
		default:
			t.Errorf("unexpected request %q", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Live(LiveSSE).Build()
	defer func() { _ = iter.Close() }()

	chunk, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Equal(t, "data", string(chunk.Data))
	require.True(t, sawLongPoll.Load())
}

func TestIteratorSSEDowngradeOn400(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("live") {
		case "sse":
			w.WriteHeader(http.StatusBadRequest)
		case "long-poll":
			w.Header().Set("Stream-Next-Offset", "2")
			w.Header().Set("Stream-Up-To-Date", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("lp"))
		}
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Live(LiveSSE).Build()
	defer func() { _ = iter.Close() }()

	chunk, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Equal(t, "lp", string(chunk.Data))
}

func TestIteratorAutoSwitchesToSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("live") {
		case "":
			w.Header().Set("Stream-Next-Offset", "5")
			w.Header().Set("Stream-Up-To-Date", "true")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("catchup"))
		case "sse":
			require.Equal(t, "5", r.URL.Query().Get("offset"))
			require.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "data: live-data\n\n")
			w.(http.Flusher).Flush()
		default:
			t.Errorf("unexpected request %q", r.URL.RawQuery)
		}
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Live(LiveAuto).Build()
	defer func() { _ = iter.Close() }()
	ctx := context.Background()

	chunk, err := iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, "catchup", string(chunk.Data))

	chunk, err = iter.NextChunk(ctx)
	require.NoError(t, err)
	require.Equal(t, "live-data", string(chunk.Data))
}

func TestIteratorGzipBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		_, _ = gz.Write([]byte("compressed payload"))
		_ = gz.Close()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Stream-Next-Offset", "1")
		w.Header().Set("Stream-Up-To-Date", "true")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	// Pinning Accept-Encoding disables the transport's transparent
	// decompression, surfacing the raw gzip body to the iterator.
	iter := NewClient().Stream(server.URL + "/s").Read().
		Header("Accept-Encoding", "gzip").
		Build()
	defer func() { _ = iter.Close() }()

	chunk, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Equal(t, "compressed payload", string(chunk.Data))
}

func TestIteratorCustomHeaders(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Test")
		w.Header().Set("Stream-Next-Offset", "1")
		w.Header().Set("Stream-Up-To-Date", "true")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Header("X-Test", "v").Build()
	defer func() { _ = iter.Close() }()

	_, err := iter.NextChunk(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v", got)
}

func TestIteratorServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	iter := NewClient().Stream(server.URL + "/s").Read().Build()
	_, err := iter.NextChunk(context.Background())
	var se *ServerError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 500, se.Status)
	// The iterator does not retry; the error reaches the caller directly.
	if errors.Is(err, Done) {
		t.Fatal("server error must not end iteration")
	}
}

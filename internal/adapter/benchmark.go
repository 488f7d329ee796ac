package adapter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	durablestreams "github.com/durable-streams/durable-streams"
)

func (a *Adapter) handleBenchmark(ctx context.Context, cmd Command) Result {
	if cmd.Operation == nil {
		return errorResult("benchmark", "PARSE_ERROR", "missing operation")
	}
	op := cmd.Operation

	var (
		duration time.Duration
		metrics  *BenchmarkMetrics
	)
	switch op.Op {
	case "append":
		duration = a.benchmarkAppend(ctx, op)
	case "read":
		duration = a.benchmarkRead(ctx, op)
	case "roundtrip":
		duration = a.benchmarkRoundtrip(ctx, op)
	case "create":
		duration = a.benchmarkCreate(ctx, op)
	case "throughput_append":
		duration, metrics = a.benchmarkThroughputAppend(ctx, op)
	case "throughput_read":
		duration, metrics = a.benchmarkThroughputRead(ctx, op)
	default:
		return errorResult("benchmark", "NOT_SUPPORTED", "unknown benchmark op: "+op.Op)
	}

	return Result{
		Type:        "benchmark",
		Success:     true,
		IterationID: cmd.IterationID,
		DurationNS:  strconv.FormatInt(duration.Nanoseconds(), 10),
		Metrics:     metrics,
	}
}

// benchPayload builds a deterministic payload of the given size.
func benchPayload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func (a *Adapter) benchStream(path, contentType string) *durablestreams.Stream {
	stream := a.client.Stream(path)
	if contentType != "" {
		stream.SetContentType(contentType)
	} else if ct, ok := a.streamContentTypes[path]; ok {
		stream.SetContentType(ct)
	}
	return stream
}

func (a *Adapter) benchmarkAppend(ctx context.Context, op *BenchmarkOperation) time.Duration {
	size := op.Size
	if size <= 0 {
		size = 100
	}
	stream := a.benchStream(op.Path, "")
	data := benchPayload(size)

	start := time.Now()
	_, _ = stream.Append(ctx, data)
	return time.Since(start)
}

func (a *Adapter) benchmarkRead(ctx context.Context, op *BenchmarkOperation) time.Duration {
	stream := a.client.Stream(op.Path)

	builder := stream.Read()
	if op.Offset != "" {
		builder = builder.Offset(durablestreams.ParseOffset(op.Offset))
	}

	start := time.Now()
	iter := builder.Build()
	defer func() { _ = iter.Close() }()
	_, _ = iter.NextChunk(ctx)
	return time.Since(start)
}

func (a *Adapter) benchmarkRoundtrip(ctx context.Context, op *BenchmarkOperation) time.Duration {
	size := op.Size
	if size <= 0 {
		size = 100
	}
	live := op.Live
	if live == "" {
		live = "long-poll"
	}

	stream := a.benchStream(op.Path, op.ContentType)
	data := benchPayload(size)

	start := time.Now()

	resp, err := stream.Append(ctx, data)
	if err == nil {
		// Integer offsets let us compute the position just before our
		// append and read our own payload back.
		if next, perr := strconv.ParseInt(resp.NextOffset.String(), 10, 64); perr == nil {
			prev := strconv.FormatInt(next-int64(size), 10)

			iter := stream.Read().
				Offset(durablestreams.ParseOffset(prev)).
				Live(durablestreams.ParseLiveMode(live)).
				Build()
			_, _ = iter.NextChunk(ctx)
			_ = iter.Close()
		}
	}

	return time.Since(start)
}

func (a *Adapter) benchmarkCreate(ctx context.Context, op *BenchmarkOperation) time.Duration {
	contentType := op.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	stream := a.client.Stream(op.Path)

	start := time.Now()
	_ = stream.CreateWith(ctx, durablestreams.CreateOptions{ContentType: contentType})
	return time.Since(start)
}

func (a *Adapter) benchmarkThroughputAppend(ctx context.Context, op *BenchmarkOperation) (time.Duration, *BenchmarkMetrics) {
	count := op.Count
	if count <= 0 {
		count = 1000
	}
	size := op.Size
	if size <= 0 {
		size = 100
	}

	contentType := a.streamContentTypes[op.Path]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	stream := a.client.Stream(a.serverURL + op.Path)
	producer := stream.Producer("bench-" + ulid.Make().String()).
		Linger(0).
		ContentType(contentType).
		Build()

	payload := benchPayload(size)
	digest := blake3.Sum256(payload)

	start := time.Now()
	for i := 0; i < count; i++ {
		producer.Append(payload)
	}
	_ = producer.Flush(ctx)
	elapsed := time.Since(start)

	totalBytes := count * size
	secs := elapsed.Seconds()
	return elapsed, &BenchmarkMetrics{
		BytesTransferred:  totalBytes,
		MessagesProcessed: count,
		OpsPerSecond:      float64(count) / secs,
		BytesPerSecond:    float64(totalBytes) / secs,
		PayloadDigest:     hex.EncodeToString(digest[:]),
	}
}

func (a *Adapter) benchmarkThroughputRead(ctx context.Context, op *BenchmarkOperation) (time.Duration, *BenchmarkMetrics) {
	stream := a.benchStream(op.Path, "application/json")

	start := time.Now()

	totalBytes := 0
	count := 0
	hasher := blake3.New()

	iter := stream.Read().Offset(durablestreams.OffsetBeginning).Build()
	defer func() { _ = iter.Close() }()
	for {
		chunk, err := iter.NextChunk(ctx)
		if errors.Is(err, durablestreams.Done) || err != nil {
			break
		}

		// JSON streams deliver arrays; count individual items and their
		// encoded sizes so producers and readers agree on units.
		var items []json.RawMessage
		if json.Unmarshal(chunk.Data, &items) == nil {
			for _, item := range items {
				count++
				totalBytes += len(item)
				_, _ = hasher.Write(item)
			}
		} else {
			count++
			totalBytes += len(chunk.Data)
			_, _ = hasher.Write(chunk.Data)
		}

		if chunk.UpToDate {
			break
		}
	}

	elapsed := time.Since(start)
	return elapsed, &BenchmarkMetrics{
		BytesTransferred:  totalBytes,
		MessagesProcessed: count,
		BytesPerSecond:    float64(totalBytes) / elapsed.Seconds(),
		PayloadDigest:     hex.EncodeToString(hasher.Sum(nil)),
	}
}

package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	durablestreams "github.com/durable-streams/durable-streams"
)

func (a *Adapter) handleCreate(ctx context.Context, cmd Command) Result {
	stream := a.client.Stream(cmd.Path)

	contentType := cmd.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// The runner distinguishes fresh creation (201) from idempotent
	// re-creation (200).
	_, headErr := stream.Head(ctx)
	alreadyExists := headErr == nil

	opts := durablestreams.CreateOptions{
		ContentType: contentType,
		ExpiresAt:   cmd.ExpiresAt,
		Headers:     cmd.Headers,
	}
	if cmd.TTLSeconds > 0 {
		opts.TTL = time.Duration(cmd.TTLSeconds) * time.Second
	}

	if err := stream.CreateWith(ctx, opts); err != nil {
		return streamErrorResult("create", err)
	}
	a.streamContentTypes[cmd.Path] = contentType

	meta, err := stream.Head(ctx)
	if err != nil {
		return streamErrorResult("create", err)
	}

	status := 201
	if alreadyExists {
		status = 200
	}
	return Result{
		Type:    "create",
		Success: true,
		Status:  status,
		Offset:  meta.NextOffset.String(),
	}
}

func (a *Adapter) handleConnect(ctx context.Context, cmd Command) Result {
	stream := a.client.Stream(cmd.Path)

	var meta *durablestreams.HeadResponse
	err := a.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var herr error
		meta, herr = stream.Head(ctx)
		return herr
	})
	if err != nil {
		return streamErrorResult("connect", err)
	}

	if meta.ContentType != "" {
		a.streamContentTypes[cmd.Path] = meta.ContentType
	}
	return Result{
		Type:    "connect",
		Success: true,
		Status:  200,
		Offset:  meta.NextOffset.String(),
	}
}

func (a *Adapter) handleAppend(ctx context.Context, cmd Command) Result {
	stream := a.client.Stream(cmd.Path)
	if ct, ok := a.streamContentTypes[cmd.Path]; ok {
		stream.SetContentType(ct)
	}

	headersSent := a.resolveDynamicHeaders()
	paramsSent := a.resolveDynamicParams()

	data, err := decodePayload(cmd)
	if err != nil {
		return errorResult("append", "PARSE_ERROR", err.Error())
	}

	opts := durablestreams.AppendOptions{Headers: mergeHeaders(headersSent, cmd.Headers)}
	if cmd.Seq > 0 {
		opts.Seq = strconv.Itoa(cmd.Seq)
	}

	resp, err := stream.AppendWith(ctx, data, opts)
	if err != nil {
		return streamErrorResult("append", err)
	}

	return Result{
		Type:        "append",
		Success:     true,
		Status:      200,
		Offset:      resp.NextOffset.String(),
		HeadersSent: headersSent,
		ParamsSent:  paramsSent,
	}
}

func (a *Adapter) handleRead(ctx context.Context, cmd Command) Result {
	stream := a.client.Stream(cmd.Path)

	isJSONStream := false
	if ct, ok := a.streamContentTypes[cmd.Path]; ok {
		isJSONStream = strings.Contains(strings.ToLower(ct), "application/json")
	}

	timeout := a.timeout(cmd)
	headersSent := a.resolveDynamicHeaders()
	paramsSent := a.resolveDynamicParams()

	liveMode := parseLiveCommand(cmd.Live)

	builder := stream.Read().Live(liveMode).Timeout(timeout)
	if cmd.Offset != "" {
		builder = builder.Offset(durablestreams.ParseOffset(cmd.Offset))
	}
	for k, v := range mergeHeaders(headersSent, cmd.Headers) {
		builder = builder.Header(k, v)
	}

	maxChunks := cmd.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 100
	}

	finalOffset := cmd.Offset
	if finalOffset == "" {
		finalOffset = "-1"
	}
	var chunks []ReadChunk
	upToDate := false
	status := 200

	iter := builder.Build()
	defer func() { _ = iter.Close() }()

	deadline := time.Now().Add(timeout)
	for len(chunks) < maxChunks {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			upToDate = true
			status = 204
			break
		}

		chunkCtx, cancel := context.WithTimeout(ctx, remaining)
		chunk, err := iter.NextChunk(chunkCtx)
		cancel()

		switch {
		case errors.Is(err, durablestreams.Done):
			upToDate = true
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, durablestreams.ErrTimeout):
			upToDate = true
			status = 204
		case err != nil:
			return streamErrorResult("read", err)
		}
		if err != nil {
			break
		}

		if chunk.StatusCode != 0 {
			status = chunk.StatusCode
		}
		if len(chunk.Data) > 0 {
			data := string(chunk.Data)
			if isJSONStream {
				if !json.Valid(chunk.Data) {
					return errorResult("read", "PARSE_ERROR", "invalid JSON in stream response")
				}
			}
			chunks = append(chunks, ReadChunk{
				Data:   data,
				Offset: chunk.NextOffset.String(),
			})
		}

		finalOffset = chunk.NextOffset.String()
		upToDate = chunk.UpToDate

		if chunk.UpToDate && (cmd.WaitForUpToDate || liveMode == durablestreams.LiveOff) {
			break
		}
	}

	if chunks == nil {
		chunks = []ReadChunk{}
	}
	return Result{
		Type:        "read",
		Success:     true,
		Status:      status,
		Chunks:      chunks,
		Offset:      finalOffset,
		UpToDate:    &upToDate,
		HeadersSent: headersSent,
		ParamsSent:  paramsSent,
	}
}

func (a *Adapter) handleHead(ctx context.Context, cmd Command) Result {
	stream := a.client.Stream(cmd.Path)

	meta, err := stream.Head(ctx)
	if err != nil {
		return streamErrorResult("head", err)
	}
	return Result{
		Type:        "head",
		Success:     true,
		Status:      200,
		Offset:      meta.NextOffset.String(),
		ContentType: meta.ContentType,
	}
}

func (a *Adapter) handleDelete(ctx context.Context, cmd Command) Result {
	stream := a.client.Stream(cmd.Path)

	if err := stream.Delete(ctx); err != nil {
		return streamErrorResult("delete", err)
	}
	delete(a.streamContentTypes, cmd.Path)
	return Result{Type: "delete", Success: true, Status: 200}
}

func (a *Adapter) handleIdempotentAppend(ctx context.Context, cmd Command) Result {
	producer, contentType := a.buildProducer(cmd, 1, 0, 1<<20)

	isJSON := strings.Contains(strings.ToLower(contentType), "application/json")
	if isJSON {
		var v any
		if err := json.Unmarshal([]byte(cmd.Data), &v); err != nil {
			return errorResult("idempotent-append", "PARSE_ERROR", "invalid JSON: "+err.Error())
		}
		producer.AppendJSON(v)
	} else {
		producer.Append([]byte(cmd.Data))
	}

	if err := a.flushProducer(ctx, producer, "idempotent-append"); err != nil {
		return *err
	}
	return Result{Type: "idempotent-append", Success: true, Status: 200}
}

func (a *Adapter) handleIdempotentAppendBatch(ctx context.Context, cmd Command) Result {
	maxInFlight := cmd.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	// Concurrency tests need every item on its own wire request: force
	// one-byte batches with no linger.
	linger := time.Second
	maxBatchBytes := 1 << 20
	if maxInFlight > 1 {
		linger = 0
		maxBatchBytes = 1
	}

	producer, contentType := a.buildProducer(cmd, maxInFlight, linger, maxBatchBytes)
	isJSON := strings.Contains(strings.ToLower(contentType), "application/json")

	for _, item := range cmd.Items {
		if isJSON {
			var v any
			if err := json.Unmarshal([]byte(item), &v); err != nil {
				return errorResult("idempotent-append-batch", "PARSE_ERROR", "invalid JSON: "+err.Error())
			}
			producer.AppendJSON(v)
		} else {
			producer.Append([]byte(item))
		}
	}

	if err := a.flushProducer(ctx, producer, "idempotent-append-batch"); err != nil {
		return *err
	}
	return Result{Type: "idempotent-append-batch", Success: true, Status: 200}
}

// buildProducer assembles a producer for the idempotent-append commands.
// Batch failures are captured through the error callback so flush can
// report them.
func (a *Adapter) buildProducer(cmd Command, maxInFlight int, linger time.Duration, maxBatchBytes int) (*producerRun, string) {
	contentType := a.streamContentTypes[cmd.Path]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	run := &producerRun{}
	stream := a.client.Stream(a.serverURL + cmd.Path)
	run.producer = stream.Producer(cmd.ProducerID).
		Epoch(uint64(cmd.Epoch)).
		AutoClaim(cmd.AutoClaim).
		MaxInFlight(maxInFlight).
		Linger(linger).
		MaxBatchBytes(maxBatchBytes).
		ContentType(contentType).
		OnError(run.record).
		Build()
	return run, contentType
}

// producerRun pairs a producer with its first recorded batch error.
// Callbacks arrive from sender goroutines, so the error slot is guarded.
type producerRun struct {
	producer *durablestreams.Producer
	mu       sync.Mutex
	firstErr error
}

func (r *producerRun) record(err error) {
	r.mu.Lock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.mu.Unlock()
}

func (r *producerRun) Append(data []byte) { r.producer.Append(data) }
func (r *producerRun) AppendJSON(v any)   { r.producer.AppendJSON(v) }

func (a *Adapter) flushProducer(ctx context.Context, run *producerRun, commandType string) *Result {
	if err := run.producer.Close(ctx); err != nil {
		res := streamErrorResult(commandType, err)
		return &res
	}
	run.mu.Lock()
	firstErr := run.firstErr
	run.mu.Unlock()
	if firstErr != nil {
		res := streamErrorResult(commandType, firstErr)
		return &res
	}
	return nil
}

func decodePayload(cmd Command) ([]byte, error) {
	if cmd.Binary {
		return base64.StdEncoding.DecodeString(cmd.Data)
	}
	return []byte(cmd.Data), nil
}

func mergeHeaders(resolved, explicit map[string]string) map[string]string {
	if len(resolved) == 0 && len(explicit) == 0 {
		return nil
	}
	out := make(map[string]string, len(resolved)+len(explicit))
	for k, v := range resolved {
		out[k] = v
	}
	for k, v := range explicit {
		out[k] = v
	}
	return out
}

// parseLiveCommand maps the runner's live field, which is either a mode
// string or boolean false.
func parseLiveCommand(v any) durablestreams.LiveMode {
	s, ok := v.(string)
	if !ok {
		return durablestreams.LiveOff
	}
	return durablestreams.ParseLiveMode(s)
}

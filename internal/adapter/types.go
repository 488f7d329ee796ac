// Package adapter implements the conformance test adapter: a
// line-delimited JSON protocol over stdin/stdout, one command per line
// in, one result per line out.
package adapter

// Command is a single decoded command line from the test runner.
type Command struct {
	Type      string `json:"type"`
	ServerURL string `json:"serverUrl,omitempty"`
	TimeoutMS uint64 `json:"timeoutMs,omitempty"`
	Path      string `json:"path,omitempty"`

	// create
	ContentType string `json:"contentType,omitempty"`
	TTLSeconds  uint64 `json:"ttlSeconds,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`

	// append
	Data   string `json:"data,omitempty"`
	Binary bool   `json:"binary,omitempty"`
	Seq    int    `json:"seq,omitempty"`

	// producer
	ProducerID  string   `json:"producerId,omitempty"`
	Epoch       int      `json:"epoch,omitempty"`
	AutoClaim   bool     `json:"autoClaim,omitempty"`
	MaxInFlight int      `json:"maxInFlight,omitempty"`
	Items       []string `json:"items,omitempty"`

	// read
	Offset          string `json:"offset,omitempty"`
	Live            any    `json:"live,omitempty"` // string mode or boolean false
	MaxChunks       int    `json:"maxChunks,omitempty"`
	WaitForUpToDate bool   `json:"waitForUpToDate,omitempty"`

	// benchmark
	IterationID string              `json:"iterationId,omitempty"`
	Operation   *BenchmarkOperation `json:"operation,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	// dynamic header/param
	Name         string `json:"name,omitempty"`
	ValueType    string `json:"valueType,omitempty"`
	InitialValue string `json:"initialValue,omitempty"`

	// validate
	Target *ValidationTarget `json:"target,omitempty"`
}

// ValidationTarget names a configuration shape to validate.
type ValidationTarget struct {
	Target         string   `json:"target"`
	Epoch          *int64   `json:"epoch,omitempty"`
	MaxBatchBytes  *int64   `json:"maxBatchBytes,omitempty"`
	MaxRetries     *int64   `json:"maxRetries,omitempty"`
	InitialDelayMS *int64   `json:"initialDelayMs,omitempty"`
	MaxDelayMS     *int64   `json:"maxDelayMs,omitempty"`
	Multiplier     *float64 `json:"multiplier,omitempty"`
}

// BenchmarkOperation describes one timed operation.
type BenchmarkOperation struct {
	Op          string `json:"op"`
	Path        string `json:"path,omitempty"`
	Size        int    `json:"size,omitempty"`
	Offset      string `json:"offset,omitempty"`
	Live        string `json:"live,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Count       int    `json:"count,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// Result is a single result line sent back to the test runner.
type Result struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`

	ClientName    string    `json:"clientName,omitempty"`
	ClientVersion string    `json:"clientVersion,omitempty"`
	Features      *Features `json:"features,omitempty"`

	Status      int         `json:"status,omitempty"`
	Offset      string      `json:"offset,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
	Chunks      []ReadChunk `json:"chunks,omitempty"`
	UpToDate    *bool       `json:"upToDate,omitempty"`
	Cursor      string      `json:"cursor,omitempty"`

	CommandType string `json:"commandType,omitempty"`
	ErrorCode   string `json:"errorCode,omitempty"`
	Message     string `json:"message,omitempty"`
	Duplicate   *bool  `json:"duplicate,omitempty"`

	IterationID string            `json:"iterationId,omitempty"`
	DurationNS  string            `json:"durationNs,omitempty"`
	Metrics     *BenchmarkMetrics `json:"metrics,omitempty"`

	HeadersSent map[string]string `json:"headersSent,omitempty"`
	ParamsSent  map[string]string `json:"paramsSent,omitempty"`
}

// Features advertises client capabilities to the runner.
type Features struct {
	Batching       bool `json:"batching"`
	SSE            bool `json:"sse"`
	LongPoll       bool `json:"longPoll"`
	Auto           bool `json:"auto"`
	Streaming      bool `json:"streaming"`
	DynamicHeaders bool `json:"dynamicHeaders"`
}

// ReadChunk is one delivered chunk in a read result.
type ReadChunk struct {
	Data   string `json:"data"`
	Binary bool   `json:"binary,omitempty"`
	Offset string `json:"offset,omitempty"`
}

// BenchmarkMetrics summarizes a throughput benchmark.
type BenchmarkMetrics struct {
	BytesTransferred  int     `json:"bytesTransferred"`
	MessagesProcessed int     `json:"messagesProcessed"`
	OpsPerSecond      float64 `json:"opsPerSecond"`
	BytesPerSecond    float64 `json:"bytesPerSecond"`
	// PayloadDigest is a hex BLAKE3 digest: throughput_append digests the
	// single payload it repeats; throughput_read digests every item it
	// read, in order, so the two match only for a one-message run.
	PayloadDigest string `json:"payloadDigest,omitempty"`
}

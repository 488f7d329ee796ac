package durablestreams

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// max409Retries bounds sequence-gap retries: earlier in-flight batches
// may simply not have landed yet.
const max409Retries = 10

// AppendReceipt is the acknowledgment of one committed batch.
type AppendReceipt struct {
	// NextOffset is the offset after the batch. OffsetBeginning when the
	// batch was a duplicate (the committed offset is unknown).
	NextOffset Offset
	// Duplicate is true when the server had already committed this
	// (producer, epoch, seq) and absorbed the redelivery.
	Duplicate bool
}

// NewProducerID returns a fresh, sortable producer identity.
func NewProducerID() string {
	return ulid.Make().String()
}

// ProducerBuilder configures an idempotent producer.
type ProducerBuilder struct {
	stream        *Stream
	producerID    string
	epoch         uint64
	autoClaim     bool
	maxBatchBytes int
	linger        time.Duration
	maxInFlight   int
	contentType   string
	onError       func(error)
}

func newProducerBuilder(s *Stream, producerID string) *ProducerBuilder {
	return &ProducerBuilder{
		stream:        s,
		producerID:    producerID,
		maxBatchBytes: 1 << 20,
		linger:        5 * time.Millisecond,
		maxInFlight:   5,
	}
}

// Epoch sets the starting epoch.
func (b *ProducerBuilder) Epoch(e uint64) *ProducerBuilder {
	b.epoch = e
	return b
}

// AutoClaim enables claiming a fresh epoch when the server reports ours
// stale.
func (b *ProducerBuilder) AutoClaim(enabled bool) *ProducerBuilder {
	b.autoClaim = enabled
	return b
}

// MaxBatchBytes sets the batch size threshold. Default 1 MiB.
func (b *ProducerBuilder) MaxBatchBytes(n int) *ProducerBuilder {
	b.maxBatchBytes = n
	return b
}

// Linger sets how long a batch may wait for company before dispatch.
// Default 5ms; zero disables the linger task.
func (b *ProducerBuilder) Linger(d time.Duration) *ProducerBuilder {
	b.linger = d
	return b
}

// MaxInFlight caps concurrently outstanding batches. Default 5.
func (b *ProducerBuilder) MaxInFlight(n int) *ProducerBuilder {
	b.maxInFlight = n
	return b
}

// ContentType sets the append content type. When it contains
// "application/json" the producer batches JSON values into arrays.
func (b *ProducerBuilder) ContentType(ct string) *ProducerBuilder {
	b.contentType = ct
	return b
}

// OnError installs the per-batch failure callback. Batch errors are
// reported here rather than through Flush, which enables fire-and-forget
// usage while keeping failures observable.
func (b *ProducerBuilder) OnError(fn func(error)) *ProducerBuilder {
	b.onError = fn
	return b
}

// Build constructs the producer and, when linger is enabled, starts its
// background linger task.
func (b *ProducerBuilder) Build() *Producer {
	ct := b.contentType
	if ct == "" {
		ct = b.stream.contentType
	}
	if ct == "" {
		ct = defaultContentType
	}

	p := &Producer{
		stream:     b.stream,
		producerID: b.producerID,
		cfg: producerConfig{
			autoClaim:     b.autoClaim,
			maxBatchBytes: b.maxBatchBytes,
			linger:        b.linger,
			maxInFlight:   b.maxInFlight,
			contentType:   ct,
			jsonMode:      strings.Contains(strings.ToLower(ct), "application/json"),
			onError:       b.onError,
		},
		log:     b.stream.client.log,
		waiters: map[uint64]*seqState{},
	}
	p.st.epoch = b.epoch
	p.st.epochClaimed = !b.autoClaim

	if b.linger > 0 {
		go p.lingerLoop()
	}
	return p
}

type producerConfig struct {
	autoClaim     bool
	maxBatchBytes int
	linger        time.Duration
	maxInFlight   int
	contentType   string
	jsonMode      bool
	onError       func(error)
}

type pendingEntry struct {
	data []byte
	// jsonValue holds the encoded JSON value for entries appended via
	// AppendJSON; nil for raw entries. Only consulted in JSON mode.
	jsonValue json.RawMessage
}

type producerState struct {
	epoch        uint64
	nextSeq      uint64
	pending      []pendingEntry
	batchBytes   int
	closed       bool
	epochClaimed bool
	// batchStartedAt is when the first entry joined the pending batch;
	// zero iff the batch is empty.
	batchStartedAt time.Time
}

// seqState collects completion waiters for one sequence number.
type seqState struct {
	resolved bool
	err      error
	waiters  []chan error
}

// Producer is an idempotent, pipelined stream writer: fire-and-forget
// appends, automatic batching, and exactly-once delivery via the
// (producer id, epoch, sequence) triple.
//
// Producer state is guarded by a short mutex that is never held across
// network I/O; the in-flight count is a separate atomic so dispatch
// decisions can read it lock-free.
type Producer struct {
	stream     *Stream
	producerID string
	cfg        producerConfig
	log        logrus.FieldLogger

	mu sync.Mutex
	st producerState

	inFlight atomic.Int64

	waitersMu sync.Mutex
	waiters   map[uint64]*seqState
}

// ID returns the producer identity.
func (p *Producer) ID() string { return p.producerID }

// Epoch returns the current epoch.
func (p *Producer) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.epoch
}

// NextSeq returns the sequence number the next batch will carry.
func (p *Producer) NextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.st.nextSeq
}

// InFlight returns the number of batches currently on the wire.
func (p *Producer) InFlight() int {
	return int(p.inFlight.Load())
}

// Append queues data for sending and returns immediately. Appends on a
// closed producer are silently ignored; batch send failures are reported
// through the OnError callback, not per append. Use Flush to wait for
// durability.
func (p *Producer) Append(data []byte) {
	p.enqueue(pendingEntry{data: data})
}

// AppendJSON encodes v and queues it. In JSON mode whole batches are
// sent as a JSON array of the queued values. Encoding failures are
// silently ignored, matching Append's fire-and-forget contract.
func (p *Producer) AppendJSON(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	p.enqueue(pendingEntry{data: raw, jsonValue: raw})
}

func (p *Producer) enqueue(e pendingEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.st.closed {
		return
	}
	if len(p.st.pending) == 0 {
		p.st.batchStartedAt = time.Now()
	}
	p.st.pending = append(p.st.pending, e)
	p.st.batchBytes += len(e.data)

	if p.st.batchBytes >= p.cfg.maxBatchBytes {
		p.dispatchLocked()
	}
}

// Flush sends any pending batch and waits until nothing remains pending
// or in flight. Batch errors are reported via OnError, not here.
func (p *Producer) Flush(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.st.pending) > 0 {
			p.dispatchLocked()
		}
		pending := len(p.st.pending) > 0
		p.mu.Unlock()

		if !pending && p.inFlight.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Close flushes and retires the producer. Further appends are no-ops and
// the linger task exits on its next tick.
func (p *Producer) Close(ctx context.Context) error {
	if err := p.Flush(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.st.closed = true
	p.mu.Unlock()
	return nil
}

// WaitForSeq blocks until the batch carrying seq completes, returning its
// outcome. Useful for ack-style consumers that need a synchronous result
// for a specific sequence.
func (p *Producer) WaitForSeq(ctx context.Context, seq uint64) error {
	p.waitersMu.Lock()
	st := p.waiters[seq]
	if st == nil {
		st = &seqState{}
		p.waiters[seq] = st
	}
	if st.resolved {
		err := st.err
		p.waitersMu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	st.waiters = append(st.waiters, ch)
	p.waitersMu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func (p *Producer) resolveSeq(seq uint64, err error) {
	p.waitersMu.Lock()
	st := p.waiters[seq]
	if st == nil {
		st = &seqState{}
		p.waiters[seq] = st
	}
	st.resolved = true
	st.err = err
	for _, ch := range st.waiters {
		ch <- err
	}
	st.waiters = nil
	p.waitersMu.Unlock()
}

// lingerLoop dispatches aged batches. It observes closed each tick and
// never dispatches while awaiting anything but its own timer.
func (p *Producer) lingerLoop() {
	for {
		time.Sleep(p.cfg.linger)

		p.mu.Lock()
		if p.st.closed {
			p.mu.Unlock()
			return
		}
		if !p.st.batchStartedAt.IsZero() && time.Since(p.st.batchStartedAt) >= p.cfg.linger {
			p.dispatchLocked()
		}
		p.mu.Unlock()
	}
}

// dispatchLocked hands the pending batch to a background sender. Called
// with p.mu held; the lock is released before any network I/O because the
// sender goroutine receives owned data only.
func (p *Producer) dispatchLocked() {
	if len(p.st.pending) == 0 {
		return
	}
	if int(p.inFlight.Load()) >= p.cfg.maxInFlight {
		return
	}
	// Until the first batch at a new epoch is acknowledged, dispatch is
	// serialized so the epoch claim cannot race its successors.
	if p.cfg.autoClaim && !p.st.epochClaimed && p.inFlight.Load() > 0 {
		return
	}

	batch := p.st.pending
	seq := p.st.nextSeq
	epoch := p.st.epoch

	p.st.pending = nil
	p.st.nextSeq++
	p.st.batchBytes = 0
	p.st.batchStartedAt = time.Time{}

	p.inFlight.Add(1)
	go p.sendBatch(batch, seq, epoch)
}

func (p *Producer) sendBatch(batch []pendingEntry, seq, epoch uint64) {
	receipt, err := p.postBatch(batch, seq, epoch, 0)

	if err == nil {
		p.mu.Lock()
		if !p.st.epochClaimed {
			p.st.epochClaimed = true
		}
		p.mu.Unlock()
		if receipt.Duplicate {
			p.log.WithFields(logrus.Fields{"producer": p.producerID, "seq": seq}).
				Debug("duplicate batch absorbed")
		}
	} else {
		p.log.WithFields(logrus.Fields{"producer": p.producerID, "seq": seq}).
			WithError(err).Warn("batch send failed")
		if p.cfg.onError != nil {
			p.cfg.onError(err)
		}
	}

	p.resolveSeq(seq, err)
	p.inFlight.Add(-1)
}

// postBatch performs one wire attempt plus the protocol-level retries:
// bounded backoff on sequence gaps and epoch re-claim on stale epochs.
func (p *Producer) postBatch(batch []pendingEntry, seq, epoch uint64, attempt int) (*AppendReceipt, error) {
	body, err := p.batchBody(batch)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, p.stream.url, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set(headerContentType, p.cfg.contentType)
	req.Header.Set(headerProducerID, p.producerID)
	req.Header.Set(headerProducerEpoch, strconv.FormatUint(epoch, 10))
	req.Header.Set(headerProducerSeq, strconv.FormatUint(seq, 10))

	resp, err := p.stream.client.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportErr(context.Background(), err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		next := ParseOffset(resp.Header.Get(headerStreamOffset))
		drainAndClose(resp.Body)
		return &AppendReceipt{NextOffset: next}, nil

	case http.StatusNoContent:
		// Duplicate: this (id, epoch, seq) already committed.
		drainAndClose(resp.Body)
		return &AppendReceipt{NextOffset: OffsetBeginning, Duplicate: true}, nil

	case http.StatusForbidden:
		serverEpoch := epoch
		if v := resp.Header.Get(headerProducerEpoch); v != "" {
			if parsed, perr := strconv.ParseUint(v, 10, 64); perr == nil {
				serverEpoch = parsed
			}
		}
		drainAndClose(resp.Body)

		if !p.cfg.autoClaim {
			return nil, &StaleEpochError{ServerEpoch: serverEpoch, OurEpoch: epoch}
		}

		newEpoch := serverEpoch + 1
		p.mu.Lock()
		p.st.epoch = newEpoch
		p.st.nextSeq = 1 // the retried batch takes seq 0
		p.st.epochClaimed = false
		p.mu.Unlock()

		p.log.WithFields(logrus.Fields{"producer": p.producerID, "epoch": newEpoch}).
			Info("claiming fresh epoch")
		return p.postBatch(batch, 0, newEpoch, 0)

	case http.StatusConflict:
		if attempt < max409Retries {
			drainAndClose(resp.Body)
			shift := attempt
			if shift > 6 {
				shift = 6
			}
			time.Sleep(time.Duration(10<<shift) * time.Millisecond)
			return p.postBatch(batch, seq, epoch, attempt+1)
		}

		var expected uint64
		if v := resp.Header.Get(headerProducerExpectedSeq); v != "" {
			expected, _ = strconv.ParseUint(v, 10, 64)
		}
		drainAndClose(resp.Body)
		return nil, &SequenceGapError{Expected: expected, Received: seq}

	default:
		code := resp.StatusCode
		drainAndClose(resp.Body)
		return nil, ErrorFromStatus(code, p.stream.url)
	}
}

// batchBody assembles the wire body. In JSON mode a batch of AppendJSON
// entries becomes a JSON array and a batch of raw entries is
// concatenated; mixing the two would silently drop entries, so it fails
// instead.
func (p *Producer) batchBody(batch []pendingEntry) ([]byte, error) {
	if p.cfg.jsonMode {
		jsonCount := 0
		for _, e := range batch {
			if e.jsonValue != nil {
				jsonCount++
			}
		}
		if jsonCount > 0 && jsonCount < len(batch) {
			return nil, ErrMixedAppendTypes
		}
		if jsonCount > 0 {
			var buf bytes.Buffer
			buf.WriteByte('[')
			for i, e := range batch {
				if i > 0 {
					buf.WriteByte(',')
				}
				buf.Write(e.jsonValue)
			}
			buf.WriteByte(']')
			return buf.Bytes(), nil
		}
	}

	var buf bytes.Buffer
	for _, e := range batch {
		buf.Write(e.data)
	}
	return buf.Bytes(), nil
}

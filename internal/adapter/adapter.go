package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	durablestreams "github.com/durable-streams/durable-streams"
)

const clientVersion = "0.1.0"

// Adapter holds the per-session state of one conformance run.
type Adapter struct {
	cfg Config
	log logrus.FieldLogger

	serverURL string
	client    *durablestreams.Client

	// streamContentTypes remembers the content type each stream was
	// created or connected with, keyed by path. The client itself never
	// caches server metadata; the runner protocol expects the adapter to.
	streamContentTypes map[string]string

	dynamicHeaders map[string]*dynamicValue
	dynamicParams  map[string]*dynamicValue
}

// New constructs an adapter with the given configuration.
func New(cfg Config, log logrus.FieldLogger) *Adapter {
	if log == nil {
		log = logrus.New()
	}
	return &Adapter{
		cfg:                cfg,
		log:                log,
		streamContentTypes: map[string]string{},
		dynamicHeaders:     map[string]*dynamicValue{},
		dynamicParams:      map[string]*dynamicValue{},
	}
}

// Run reads commands from r and writes results to w until EOF or a
// shutdown command.
func (a *Adapter) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			if werr := writeResult(out, errorResult("unknown", "PARSE_ERROR",
				fmt.Sprintf("failed to parse command: %v", err))); werr != nil {
				return werr
			}
			continue
		}

		a.log.WithField("type", cmd.Type).Debug("command")
		res := a.handle(ctx, cmd)
		if err := writeResult(out, res); err != nil {
			return err
		}
		if res.Type == "shutdown" {
			return nil
		}
	}
	return errors.Wrap(scanner.Err(), "reading commands")
}

func writeResult(w *bufio.Writer, res Result) error {
	b, err := json.Marshal(res)
	if err != nil {
		return errors.Wrap(err, "encoding result")
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return errors.Wrap(err, "writing result")
	}
	return errors.Wrap(w.Flush(), "flushing result")
}

func (a *Adapter) handle(ctx context.Context, cmd Command) Result {
	switch cmd.Type {
	case "init":
		return a.handleInit(cmd)
	case "create":
		return a.handleCreate(ctx, cmd)
	case "connect":
		return a.handleConnect(ctx, cmd)
	case "append":
		return a.handleAppend(ctx, cmd)
	case "read":
		return a.handleRead(ctx, cmd)
	case "head":
		return a.handleHead(ctx, cmd)
	case "delete":
		return a.handleDelete(ctx, cmd)
	case "benchmark":
		return a.handleBenchmark(ctx, cmd)
	case "set-dynamic-header":
		return a.handleSetDynamicHeader(cmd)
	case "set-dynamic-param":
		return a.handleSetDynamicParam(cmd)
	case "clear-dynamic":
		return a.handleClearDynamic(cmd)
	case "idempotent-append":
		return a.handleIdempotentAppend(ctx, cmd)
	case "idempotent-append-batch":
		return a.handleIdempotentAppendBatch(ctx, cmd)
	case "validate":
		return a.handleValidate(cmd)
	case "shutdown":
		return Result{Type: "shutdown", Success: true}
	default:
		return errorResult(cmd.Type, "NOT_SUPPORTED", "unknown command type: "+cmd.Type)
	}
}

func (a *Adapter) handleInit(cmd Command) Result {
	serverURL := cmd.ServerURL
	if serverURL == "" {
		serverURL = a.cfg.ServerURL
	}

	// Dynamic headers are resolved per command and passed as explicit
	// per-operation headers so the resolved values can be echoed back to
	// the runner; the client's own header-provider hook would resolve a
	// second time.
	a.serverURL = serverURL
	a.client = durablestreams.NewClient(
		durablestreams.WithBaseURL(serverURL),
		durablestreams.WithLogger(a.log),
	)

	return Result{
		Type:          "init",
		Success:       true,
		ClientName:    "durable-streams-go",
		ClientVersion: clientVersion,
		Features: &Features{
			Batching:       true,
			SSE:            true,
			LongPoll:       true,
			Auto:           true,
			Streaming:      true,
			DynamicHeaders: true,
		},
	}
}

// timeout returns the command's time budget, falling back to the
// configured default.
func (a *Adapter) timeout(cmd Command) time.Duration {
	if cmd.TimeoutMS > 0 {
		return time.Duration(cmd.TimeoutMS) * time.Millisecond
	}
	if a.cfg.DefaultTimeout > 0 {
		return a.cfg.DefaultTimeout
	}
	return 5 * time.Second
}

func errorResult(commandType, code, message string) Result {
	return Result{
		Type:        "error",
		Success:     false,
		CommandType: commandType,
		ErrorCode:   code,
		Message:     message,
	}
}

// streamErrorResult maps a client error to the conformance wire form.
func streamErrorResult(commandType string, err error) Result {
	return errorResult(commandType, durablestreams.ErrorCode(err), err.Error())
}

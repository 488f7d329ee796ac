package durablestreams

import (
	"bytes"
	"encoding/json"
	"strings"
)

// sseEvent is one dispatched Server-Sent Event. Exactly one of data or
// control is meaningful, selected by isControl.
type sseEvent struct {
	isControl bool
	data      string
	control   controlEvent
}

// controlEvent is the JSON payload of an "event: control" frame.
type controlEvent struct {
	StreamNextOffset string  `json:"streamNextOffset"`
	StreamCursor     *string `json:"streamCursor"`
	UpToDate         bool    `json:"upToDate"`
}

// sseParser is a byte-level event-stream state machine: feed raw network
// bytes in, pop dispatched events out. It is deliberately independent of
// any HTTP streaming abstraction so reconnection is a matter of dropping
// the parser and testing is a matter of feeding byte slices.
//
// Only the "event" and "data" fields are honored. "id", "retry" and
// comment lines are ignored. Multiple data lines in one event concatenate
// with newlines.
type sseParser struct {
	pending   []byte // unconsumed bytes, scanned for complete lines
	dataLines []string
	eventType string
}

func newSSEParser() *sseParser {
	return &sseParser{}
}

// feed appends raw bytes from the wire.
func (p *sseParser) feed(b []byte) {
	p.pending = append(p.pending, b...)
}

// next consumes complete lines from the buffer and returns the next
// dispatched event, or ok=false when more bytes are needed.
func (p *sseParser) next() (sseEvent, bool) {
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return sseEvent{}, false
		}
		line := string(p.pending[:idx])
		p.pending = p.pending[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if ev, ok := p.dispatch(); ok {
				return ev, true
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			p.eventType = trimFieldValue(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			p.dataLines = append(p.dataLines, trimFieldValue(line[len("data:"):]))
		}
	}
}

// dispatch assembles the accumulated field lines into an event. An event
// with no data lines is discarded.
func (p *sseParser) dispatch() (sseEvent, bool) {
	eventType := p.eventType
	p.eventType = ""
	if len(p.dataLines) == 0 {
		return sseEvent{}, false
	}
	data := strings.Join(p.dataLines, "\n")
	p.dataLines = p.dataLines[:0]

	if eventType == "control" {
		var ctl controlEvent
		if err := json.Unmarshal([]byte(data), &ctl); err != nil {
			// Malformed control frames are dropped rather than surfaced:
			// the next control frame resynchronizes the reader.
			return sseEvent{}, false
		}
		return sseEvent{isControl: true, control: ctl}, true
	}
	return sseEvent{data: data}, true
}

// trimFieldValue strips the single optional leading space after a field
// colon.
func trimFieldValue(s string) string {
	return strings.TrimPrefix(s, " ")
}

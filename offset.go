package durablestreams

// Offset is an opaque stream position token assigned by the server.
//
// Offsets are lexicographically sortable, persistent for the stream's
// lifetime, and must not be parsed or interpreted beyond the two
// sentinels below.
type Offset string

const (
	// OffsetBeginning reads from the start of the stream (wire form "-1").
	OffsetBeginning Offset = "-1"
	// OffsetNow reads only data appended after the request (wire form "now").
	OffsetNow Offset = "now"
)

// ParseOffset maps a protocol string to an Offset. The empty string and
// "-1" both mean the beginning of the stream.
func ParseOffset(s string) Offset {
	switch s {
	case "", "-1":
		return OffsetBeginning
	case "now":
		return OffsetNow
	default:
		return Offset(s)
	}
}

// QueryValue returns the wire form used in the offset query parameter.
func (o Offset) QueryValue() string {
	if o == "" {
		return string(OffsetBeginning)
	}
	return string(o)
}

func (o Offset) String() string { return o.QueryValue() }

// IsBeginning reports whether o is the beginning sentinel.
func (o Offset) IsBeginning() bool { return o == OffsetBeginning || o == "" }

// IsNow reports whether o is the now sentinel.
func (o Offset) IsNow() bool { return o == OffsetNow }

// Compare orders two offsets. Position offsets compare lexicographically,
// and the beginning sentinel precedes every position offset. OffsetNow is
// only comparable with itself; for any other pairing ok is false.
func (o Offset) Compare(other Offset) (cmp int, ok bool) {
	a, b := o, other
	if a == "" {
		a = OffsetBeginning
	}
	if b == "" {
		b = OffsetBeginning
	}

	switch {
	case a == b:
		return 0, true
	case a == OffsetNow || b == OffsetNow:
		return 0, false
	case a == OffsetBeginning:
		return -1, true
	case b == OffsetBeginning:
		return 1, true
	case a < b:
		return -1, true
	default:
		return 1, true
	}
}

// LiveMode selects how a read behaves once it reaches the stream tail.
type LiveMode int

const (
	// LiveOff stops at the first caught-up signal.
	LiveOff LiveMode = iota
	// LiveLongPoll holds GET requests open waiting for new data.
	LiveLongPoll
	// LiveSSE tails the stream over Server-Sent Events.
	LiveSSE
	// LiveAuto catches up over plain GETs, then prefers SSE, falling back
	// to long-poll if the server does not speak event-stream.
	LiveAuto
)

// queryValue returns the live query parameter value, or "" when the mode
// carries no parameter.
func (m LiveMode) queryValue() string {
	switch m {
	case LiveLongPoll:
		return "long-poll"
	case LiveSSE:
		return "sse"
	default:
		return ""
	}
}

// IsLive reports whether the mode tails the stream past the first
// caught-up point.
func (m LiveMode) IsLive() bool { return m != LiveOff }

func (m LiveMode) String() string {
	switch m {
	case LiveOff:
		return "off"
	case LiveLongPoll:
		return "long-poll"
	case LiveSSE:
		return "sse"
	case LiveAuto:
		return "auto"
	default:
		return "off"
	}
}

// ParseLiveMode maps conformance-protocol live values to a LiveMode.
// Unrecognized values mean LiveOff.
func ParseLiveMode(s string) LiveMode {
	switch s {
	case "long-poll":
		return LiveLongPoll
	case "sse":
		return LiveSSE
	case "auto":
		return LiveAuto
	default:
		return LiveOff
	}
}

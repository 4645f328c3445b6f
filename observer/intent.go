package observer

import (
	"github.com/devillove084/arrowlog/transport"
)

// IntentKind discriminates the five kinds of outbound work an Observer can
// request of the I/O scheduler (spec §4.7/§4.8): one goroutine per intent,
// each delivering exactly one terminal Msg back.
type IntentKind uint8

const (
	IntentWrite IntentKind = iota
	IntentSeal
	IntentLearn
	IntentHeartbeat
	IntentGetSegments
)

func (k IntentKind) String() string {
	switch k {
	case IntentWrite:
		return "write"
	case IntentSeal:
		return "seal"
	case IntentLearn:
		return "learn"
	case IntentHeartbeat:
		return "heartbeat"
	case IntentGetSegments:
		return "get_segments"
	default:
		return "unknown"
	}
}

// Intent is one piece of outbound work returned from Handle, carrying
// everything the scheduler needs to perform it without reaching back into
// the Observer (spec §5: the state machine never performs I/O itself).
type Intent struct {
	Kind IntentKind

	Replica     string
	StreamID    uint64
	WriterEpoch uint32

	// IntentWrite
	WriteReq transport.WriteRequest

	// IntentSeal / IntentLearn
	SegmentEpoch uint32

	// IntentLearn
	LearnStartIndex uint32
	RequireAcked    bool

	// IntentHeartbeat
	Meta transport.ObserverMeta

	// IntentGetSegments
	Epochs []uint32
}

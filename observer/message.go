package observer

import "github.com/devillove084/arrowlog/wal"

// MsgKind enumerates the messages the I/O scheduler ever delivers back
// into an observer's event channel (spec §4.7): received, sealed,
// learned, store_timeout, write_timeout, con_cluster_timeout, recovered,
// segments_checked.
type MsgKind uint8

const (
	MsgReceived MsgKind = iota
	MsgSealed
	MsgLearned
	MsgStoreTimeout
	MsgWriteTimeout
	MsgConClusterTimeout
	MsgRecovered
	MsgSegmentsChecked
)

func (k MsgKind) String() string {
	switch k {
	case MsgReceived:
		return "received"
	case MsgSealed:
		return "sealed"
	case MsgLearned:
		return "learned"
	case MsgStoreTimeout:
		return "store_timeout"
	case MsgWriteTimeout:
		return "write_timeout"
	case MsgConClusterTimeout:
		return "con_cluster_timeout"
	case MsgRecovered:
		return "recovered"
	case MsgSegmentsChecked:
		return "segments_checked"
	default:
		return "unknown"
	}
}

// Msg is one event delivered to Observer.Handle. Only the fields relevant
// to Kind are populated.
type Msg struct {
	Kind MsgKind

	Replica      string
	MatchedIndex uint32
	AckedIndex   uint32

	SegmentEpoch uint32
	FirstIndex   uint32
	Entries      []wal.Entry

	WriterEpoch uint32

	// MsgSegmentsChecked
	RequestedSegments int
	ReceivedSegments  int
}

// Received reports a replica's new watermarks after a write (spec §4.7
// write fan-out step 3).
func Received(replica string, matched, acked uint32) Msg {
	return Msg{Kind: MsgReceived, Replica: replica, MatchedIndex: matched, AckedIndex: acked}
}

// Sealed reports a replica's final acked_index for a Seal intent (spec
// §4.7 seal algorithm step 2).
func Sealed(replica string, ackedIndex uint32) Msg {
	return Msg{Kind: MsgSealed, Replica: replica, AckedIndex: ackedIndex}
}

// Learned carries one streamed batch from a Learn intent (spec §4.7 learn
// algorithm step 2).
func Learned(segmentEpoch, firstIndex uint32, entries []wal.Entry) Msg {
	return Msg{Kind: MsgLearned, SegmentEpoch: segmentEpoch, FirstIndex: firstIndex, Entries: entries}
}

// WriteTimeout reports that a single Write intent to replica timed out.
func WriteTimeout(replica string) Msg { return Msg{Kind: MsgWriteTimeout, Replica: replica} }

// StoreTimeout reports that writes have failed enough times that the
// segment must be sealed (spec §4.7 write fan-out step 4).
func StoreTimeout() Msg { return Msg{Kind: MsgStoreTimeout} }

// ConClusterTimeout reports that a heartbeat to the master timed out.
func ConClusterTimeout() Msg { return Msg{Kind: MsgConClusterTimeout} }

// Recovered is the terminal message for a Learn intent once its replica
// stream reaches end-of-stream (spec §4.7 learn algorithm step 3).
func Recovered(segmentEpoch, writerEpoch uint32) Msg {
	return Msg{Kind: MsgRecovered, SegmentEpoch: segmentEpoch, WriterEpoch: writerEpoch}
}

// SegmentsChecked reports how many SegmentDescs a GetSegments intent's
// master call returned against how many epochs were requested (spec §4.7:
// a count mismatch is a protocol violation).
func SegmentsChecked(requested, received int) Msg {
	return Msg{Kind: MsgSegmentsChecked, RequestedSegments: requested, ReceivedSegments: received}
}

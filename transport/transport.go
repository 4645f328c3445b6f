// Package transport defines the injected, opaque capabilities spec §6
// names: per-replica write/seal/read RPCs and the master heartbeat/
// segment-lookup/seal-segment service. The observer and scheduler packages
// depend only on these interfaces, never on a concrete wire protocol;
// packages natstransport and grpctransport supply two real
// implementations (SPEC_FULL.md §4.9).
package transport

import (
	"context"

	"github.com/devillove084/arrowlog/wal"
)

// WriteRequest is the payload sent to a replica for one write intent.
type WriteRequest struct {
	SegmentEpoch uint32
	AckedSeq     wal.Sequence
	FirstIndex   uint32
	Entries      []wal.Entry
}

// WriteResponse reports a replica's watermarks after applying a write.
type WriteResponse struct {
	MatchedIndex uint32
	AckedIndex   uint32
}

// Transport is the per-replica RPC capability (spec §6).
type Transport interface {
	// Write sends entries to target for (streamID, writerEpoch).
	Write(ctx context.Context, target string, streamID uint64, writerEpoch uint32, req WriteRequest) (WriteResponse, error)
	// Seal asks target to seal (streamID, segmentEpoch) at writerEpoch,
	// returning its final acked_index.
	Seal(ctx context.Context, target string, streamID uint64, writerEpoch, segmentEpoch uint32) (ackedIndex uint32, err error)
	// Read streams entries from target starting at startIndex. Each
	// received batch is delivered via onBatch; Read returns when the
	// stream ends or ctx is done.
	Read(ctx context.Context, target string, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error
}

// ObserverState mirrors observer.State's four values without creating an
// import cycle (observer imports transport for ObserverMeta, not the
// other way around).
type ObserverState uint8

const (
	StateFollowing ObserverState = iota
	StateLearning
	StateLeading
	StateSealing
)

func (s ObserverState) String() string {
	switch s {
	case StateFollowing:
		return "following"
	case StateLearning:
		return "learning"
	case StateLeading:
		return "leading"
	case StateSealing:
		return "sealing"
	default:
		return "unknown"
	}
}

// ObserverMeta is the periodic heartbeat payload (spec §4.7).
type ObserverMeta struct {
	ObserverID  string
	StreamID    uint64
	WriterEpoch uint32
	State       ObserverState
	AckedSeq    wal.Sequence
}

// CommandKind discriminates the two commands a master may return from a
// heartbeat (spec §4.7: only Nop and Promote are named).
type CommandKind uint8

const (
	CommandNop CommandKind = iota
	CommandPromote
)

// Command is one instruction returned from Master.Heartbeat.
type Command struct {
	Kind          CommandKind
	Epoch         uint32
	Leader        string
	CopySet       []string
	PendingEpochs []uint32 // broken segments to learn, for CommandPromote
}

// SegmentDesc describes one segment as known to the master, returned by
// GetSegments.
type SegmentDesc struct {
	SegmentEpoch  uint32
	PromisedEpoch uint32
	Sealed        bool
}

// Master is the injected master-service capability (spec §6).
type Master interface {
	Heartbeat(ctx context.Context, meta ObserverMeta) ([]Command, error)
	// GetSegments returns one optional SegmentDesc per requested epoch, in
	// the same order and count as epochs; a count mismatch is a protocol
	// violation (spec §4.7) the caller treats as a demotion trigger.
	GetSegments(ctx context.Context, streamID uint64, epochs []uint32) ([]*SegmentDesc, error)
	SealSegment(ctx context.Context, streamID uint64, segmentEpoch uint32) error
}

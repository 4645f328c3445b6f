// Package observer implements the per-stream replication state machine
// (spec §4.7), grounded in original_source/stream/client/group/io.rs's
// message vocabulary and in the teacher's metadata.go ISR/quorum
// bookkeeping (leaderReport.addWitness, ShrinkISR/ExpandISR), reinterpreted
// against per-replica matched_index/acked_index watermarks and an
// N-th-largest-match quorum rule. The state machine never performs I/O or
// blocks: every external event arrives as a Msg and every action it wants
// taken is returned as an Intent for the scheduler to execute.
package observer

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/stream"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

// State is one of the four roles a stream observer can hold (spec §4.7).
type State uint8

const (
	Following State = iota
	Learning
	Leading
	Sealing
)

func (s State) String() string { return transport.ObserverState(s).String() }

// replicaWatermark tracks one copy-set member's reported progress.
type replicaWatermark struct {
	matchedIndex uint32
	ackedIndex   uint32
}

// Observer is the per-stream state machine. It is driven exclusively by
// HandleCommand, SubmitWrite, Heartbeat and Handle(Msg); all outbound work is expressed as returned
// Intents, never performed directly, so the state machine itself never
// blocks or fails (spec §5, §7: "the state machine never throws, every
// failure becomes a message").
type Observer struct {
	ID       string
	StreamID uint64

	log logger.Logger

	state        State
	epoch        uint32
	copySet      []string
	writeQuorum  int
	replicas     map[string]*replicaWatermark
	pendingSeals map[string]uint32 // replica -> reported acked_index, during Sealing
	sealQuorum   int
	brokenEpochs []uint32

	core   *stream.PartialStream
	writer *stream.PipelinedWriter

	consecutiveWriteFailures int
	lastHeartbeat            time.Time
}

// New creates an observer for streamID, starting in Following at epoch 0.
// observer_id is generated with google/uuid exactly as the teacher
// generates opaque identifiers for ephemeral session state.
func New(streamID uint64, core *stream.PartialStream, writer *stream.PipelinedWriter, log logger.Logger) *Observer {
	if log == nil {
		log = logger.NewSilent()
	}
	return &Observer{
		ID:       uuid.NewString(),
		StreamID: streamID,
		log:      log,
		state:    Following,
		core:     core,
		writer:   writer,
		replicas: make(map[string]*replicaWatermark),
	}
}

// State returns the observer's current role.
func (o *Observer) State() State { return o.state }

// Epoch returns the writer epoch the observer currently operates at.
func (o *Observer) Epoch() uint32 { return o.epoch }

// LastHeartbeat returns when the observer last sent a heartbeat intent,
// the zero time if none has been sent yet.
func (o *Observer) LastHeartbeat() time.Time { return o.lastHeartbeat }

// Meta builds the heartbeat payload to report to the master (spec §4.7).
func (o *Observer) Meta() transport.ObserverMeta {
	return transport.ObserverMeta{
		ObserverID:  o.ID,
		StreamID:    o.StreamID,
		WriterEpoch: o.epoch,
		State:       transport.ObserverState(o.state),
		AckedSeq:    o.core.AckedSeq(),
	}
}

// recomputeAckedIndex returns the N-th largest matched_index across
// the copy set, where N is the write quorum (spec §4.7 step 1). With fewer
// replicas reporting than the quorum, it returns 0 (no index is yet safe).
func (o *Observer) recomputeAckedIndex() uint32 {
	matched := make([]uint32, 0, len(o.replicas))
	for _, rw := range o.replicas {
		matched = append(matched, rw.matchedIndex)
	}
	if len(matched) < o.writeQuorum || o.writeQuorum == 0 {
		return 0
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })
	return matched[o.writeQuorum-1]
}

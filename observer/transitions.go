package observer

import (
	"time"

	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

// maxConsecutiveWriteFailures bounds how many write_timeout messages an
// observer tolerates before it gives up on the current segment and begins
// sealing (spec §4.7 write fan-out step 4: "after a bounded number of
// failures, signal store_timeout").
const maxConsecutiveWriteFailures = 3

// HandleCommand applies a master-issued Command (spec §4.7's heartbeat
// response handling). CommandNop is a no-op; CommandPromote installs a new
// epoch, copy set, and write/seal quorum, and begins learning any pending
// broken epochs before resuming as Leading.
func (o *Observer) HandleCommand(cmd transport.Command) []Intent {
	switch cmd.Kind {
	case transport.CommandNop:
		return nil
	case transport.CommandPromote:
		o.epoch = cmd.Epoch
		o.copySet = cmd.CopySet
		o.writeQuorum = len(cmd.CopySet)/2 + 1
		o.sealQuorum = o.writeQuorum
		o.replicas = make(map[string]*replicaWatermark, len(cmd.CopySet))
		o.brokenEpochs = append([]uint32(nil), cmd.PendingEpochs...)
		o.consecutiveWriteFailures = 0

		if len(o.brokenEpochs) > 0 {
			o.state = Learning
			return []Intent{o.nextLearnIntent()}
		}
		o.state = Leading
		return nil
	default:
		return nil
	}
}

// nextLearnIntent builds a Learn intent for the first outstanding broken
// epoch, targeting whichever copy-set replica has reported the highest
// matched_index for it (spec §4.7 learn algorithm step 1). With no replica
// reports yet, it targets the first copy-set member.
func (o *Observer) nextLearnIntent() Intent {
	segmentEpoch := o.brokenEpochs[0]
	target := ""
	best := uint32(0)
	for replica, rw := range o.replicas {
		if rw.matchedIndex >= best {
			best = rw.matchedIndex
			target = replica
		}
	}
	if target == "" && len(o.copySet) > 0 {
		target = o.copySet[0]
	}
	return Intent{
		Kind:            IntentLearn,
		Replica:         target,
		StreamID:        o.StreamID,
		WriterEpoch:     o.epoch,
		SegmentEpoch:    segmentEpoch,
		LearnStartIndex: o.core.ContinuousIndex(segmentEpoch) + 1,
		RequireAcked:    false,
	}
}

// SubmitWrite builds a local Txn for entries at the observer's current
// epoch, hands it to the pipelined writer, and returns the fan-out Write
// intents for every copy-set replica (spec §4.7 write fan-out steps 1-2).
// It fails with InvalidArgument when the observer is not Leading.
func (o *Observer) SubmitWrite(entries []wal.Entry) ([]Intent, error) {
	if o.state != Leading {
		return nil, kerrors.Newf(kerrors.InvalidArgument, "observer %s is not leading (state=%s)", o.ID, o.state)
	}

	ackedSeq := o.core.AckedSeq()
	firstIndex := o.core.ContinuousIndex(o.epoch) + 1
	txn, err := o.core.Write(o.epoch, o.epoch, ackedSeq, firstIndex, entries)
	if err != nil {
		return nil, err
	}
	if _, err := o.writer.Submit(o.core, txn); err != nil {
		return nil, err
	}

	req := transport.WriteRequest{SegmentEpoch: o.epoch, AckedSeq: ackedSeq, FirstIndex: firstIndex, Entries: entries}
	intents := make([]Intent, 0, len(o.copySet))
	for _, replica := range o.copySet {
		intents = append(intents, Intent{
			Kind:        IntentWrite,
			Replica:     replica,
			StreamID:    o.StreamID,
			WriterEpoch: o.epoch,
			WriteReq:    req,
		})
	}
	return intents, nil
}

// Heartbeat builds the periodic heartbeat intent (spec §4.7), recording
// the time it was sent so staleness can be judged against LastHeartbeat.
func (o *Observer) Heartbeat() Intent {
	o.lastHeartbeat = time.Now()
	return Intent{Kind: IntentHeartbeat, StreamID: o.StreamID, WriterEpoch: o.epoch, Meta: o.Meta()}
}

// beginSealing resets seal bookkeeping and returns one Seal intent per
// copy-set replica (spec §4.7 seal algorithm step 1).
func (o *Observer) beginSealing() []Intent {
	o.state = Sealing
	o.pendingSeals = make(map[string]uint32, len(o.copySet))
	intents := make([]Intent, 0, len(o.copySet))
	for _, replica := range o.copySet {
		intents = append(intents, Intent{
			Kind:         IntentSeal,
			Replica:      replica,
			StreamID:     o.StreamID,
			WriterEpoch:  o.epoch,
			SegmentEpoch: o.epoch,
		})
	}
	return intents
}

// VerifySegments builds a GetSegments intent checking the master's record
// of every segment epoch this stream believes sealed, for
// Handle(MsgSegmentsChecked) to apply spec §4.7's get_segments
// count-mismatch protocol-violation rule against.
func (o *Observer) VerifySegments() Intent {
	sealed := o.core.SealedEpoches()
	epochs := make([]uint32, len(sealed))
	for i, se := range sealed {
		epochs[i] = se.SegmentEpoch
	}
	return Intent{Kind: IntentGetSegments, StreamID: o.StreamID, WriterEpoch: o.epoch, Epochs: epochs}
}

// Handle is the single entry point driving every state transition (spec
// §4.7). It never blocks or performs I/O; every follow-up action it wants
// taken comes back in the returned Intent slice.
func (o *Observer) Handle(msg Msg) []Intent {
	switch msg.Kind {
	case MsgReceived:
		rw, ok := o.replicas[msg.Replica]
		if !ok {
			rw = &replicaWatermark{}
			o.replicas[msg.Replica] = rw
		}
		rw.matchedIndex = msg.MatchedIndex
		rw.ackedIndex = msg.AckedIndex
		o.consecutiveWriteFailures = 0
		o.recomputeAckedIndex()
		return nil

	case MsgWriteTimeout:
		if o.state != Leading {
			return nil
		}
		o.consecutiveWriteFailures++
		if o.consecutiveWriteFailures < maxConsecutiveWriteFailures {
			return nil
		}
		return o.beginSealing()

	case MsgStoreTimeout:
		if o.state != Leading {
			return nil
		}
		return o.beginSealing()

	case MsgConClusterTimeout:
		o.log.Warnf("observer %s: heartbeat to master timed out", o.ID)
		return nil

	case MsgSealed:
		if o.state != Sealing {
			return nil
		}
		o.pendingSeals[msg.Replica] = msg.AckedIndex
		if len(o.pendingSeals) < o.sealQuorum {
			return nil
		}
		var finalAckedIndex uint32
		for _, acked := range o.pendingSeals {
			if acked > finalAckedIndex {
				finalAckedIndex = acked
			}
		}
		o.core.Seal(o.epoch, finalAckedIndex)
		o.epoch++
		if len(o.brokenEpochs) > 0 {
			o.state = Learning
			return []Intent{o.nextLearnIntent()}
		}
		o.state = Leading
		return []Intent{o.VerifySegments()}

	case MsgLearned:
		if o.state != Learning {
			return nil
		}
		txn, err := o.core.Write(o.epoch, msg.SegmentEpoch, o.core.AckedSeq(), msg.FirstIndex, msg.Entries)
		if err != nil {
			o.log.Warnf("observer %s: discarding learned batch for segment %d: %v", o.ID, msg.SegmentEpoch, err)
			return nil
		}
		if _, err := o.writer.Submit(o.core, txn); err != nil {
			o.log.Warnf("observer %s: submit learned batch for segment %d: %v", o.ID, msg.SegmentEpoch, err)
		}
		return nil

	case MsgRecovered:
		if o.state != Learning {
			return nil
		}
		o.brokenEpochs = removeEpoch(o.brokenEpochs, msg.SegmentEpoch)
		if len(o.brokenEpochs) > 0 {
			return []Intent{o.nextLearnIntent()}
		}
		o.state = Leading
		return []Intent{o.VerifySegments()}

	case MsgSegmentsChecked:
		if msg.ReceivedSegments == msg.RequestedSegments {
			return nil
		}
		o.log.Warnf("observer %s: get_segments returned %d of %d requested segments, demoting to following",
			o.ID, msg.ReceivedSegments, msg.RequestedSegments)
		o.state = Following
		o.replicas = make(map[string]*replicaWatermark)
		o.pendingSeals = nil
		return nil

	default:
		return nil
	}
}

func removeEpoch(epochs []uint32, target uint32) []uint32 {
	out := epochs[:0]
	for _, e := range epochs {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

package observer

import (
	"testing"

	"github.com/antithesishq/antithesis-sdk-go/assert"
	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/stream"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

func newTestObserver(t *testing.T) (*Observer, *commitlog.LogFileManager) {
	t.Helper()
	dir := t.TempDir()
	logEngine, err := commitlog.Open(commitlog.Options{Dir: dir}, 0)
	require.NoError(t, err)
	t.Cleanup(func() { logEngine.Close() })

	core := stream.NewPartialStream(1)
	writer := stream.NewPipelinedWriter(logEngine, nil, 0)
	return New(1, core, writer, nil), logEngine
}

func TestHandleCommandPromoteWithNoBrokenEpochsGoesLeading(t *testing.T) {
	o, _ := newTestObserver(t)
	intents := o.HandleCommand(transport.Command{
		Kind:    transport.CommandPromote,
		Epoch:   3,
		CopySet: []string{"a", "b", "c"},
	})
	require.Empty(t, intents)
	require.Equal(t, Leading, o.State())
	require.Equal(t, uint32(3), o.Epoch())
	require.Equal(t, 2, o.writeQuorum)
}

func TestHandleCommandPromoteWithBrokenEpochsBeginsLearning(t *testing.T) {
	o, _ := newTestObserver(t)
	intents := o.HandleCommand(transport.Command{
		Kind:          transport.CommandPromote,
		Epoch:         2,
		CopySet:       []string{"a", "b"},
		PendingEpochs: []uint32{1},
	})
	require.Len(t, intents, 1)
	require.Equal(t, IntentLearn, intents[0].Kind)
	require.Equal(t, uint32(1), intents[0].SegmentEpoch)
	require.Equal(t, Learning, o.State())
}

func TestSubmitWriteRequiresLeading(t *testing.T) {
	o, _ := newTestObserver(t)
	_, err := o.SubmitWrite([]wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("x")}})
	require.Error(t, err)
}

func TestSubmitWriteFansOutToCopySet(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})

	intents, err := o.SubmitWrite([]wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("hello")}})
	require.NoError(t, err)
	require.Len(t, intents, 3)
	for _, in := range intents {
		require.Equal(t, IntentWrite, in.Kind)
		require.Equal(t, uint32(1), in.WriterEpoch)
	}
}

func TestWriteTimeoutEscalatesToSealingAfterThreshold(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b"}})

	var intents []Intent
	for i := 0; i < maxConsecutiveWriteFailures; i++ {
		intents = o.Handle(WriteTimeout("a"))
	}
	require.Len(t, intents, 2)
	require.Equal(t, Sealing, o.State())
	for _, in := range intents {
		require.Equal(t, IntentSeal, in.Kind)
	}
}

func TestSealQuorumAdvancesEpochAndReturnsLeading(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})
	o.beginSealing()
	epochBefore := o.Epoch()

	require.Nil(t, o.Handle(Sealed("a", 5)))
	intents := o.Handle(Sealed("b", 7))
	require.Len(t, intents, 1)
	require.Equal(t, IntentGetSegments, intents[0].Kind)
	require.Equal(t, Leading, o.State())
	require.Equal(t, uint32(2), o.Epoch())

	assert.Always(o.Epoch() > epochBefore, "observer epoch strictly increases across a seal", map[string]any{
		"before": epochBefore, "after": o.Epoch(),
	})
}

// TestSealQuorumAppliesMaxAckedIndexAcrossReplicas guards spec §4.7 seal
// algorithm step 2 / end-to-end scenario 5: the sealed segment's final
// acked_index is the maximum reported by any replica in the quorum, {10,
// 12} -> 12, never the last one to arrive or just the reply count.
func TestSealQuorumAppliesMaxAckedIndexAcrossReplicas(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})
	sealedEpoch := o.Epoch()
	o.beginSealing()

	require.Nil(t, o.Handle(Sealed("a", 10)))
	require.Len(t, o.Handle(Sealed("b", 12)), 1)

	require.Equal(t, uint32(12), o.core.AckedIndex(sealedEpoch))
}

func TestSealQuorumWithBrokenEpochsBeginsLearning(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})
	o.brokenEpochs = []uint32{1}
	o.beginSealing()

	o.Handle(Sealed("a", 5))
	intents := o.Handle(Sealed("b", 7))
	require.Len(t, intents, 1)
	require.Equal(t, IntentLearn, intents[0].Kind)
	require.Equal(t, Learning, o.State())
}

func TestLearnedThenRecoveredAdvancesToLeading(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{
		Kind: transport.CommandPromote, Epoch: 2, CopySet: []string{"a", "b"}, PendingEpochs: []uint32{1},
	})
	require.Equal(t, Learning, o.State())

	require.Nil(t, o.Handle(Learned(1, 1, []wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("x")}})))
	intents := o.Handle(Recovered(1, 2))
	require.Len(t, intents, 1)
	require.Equal(t, IntentGetSegments, intents[0].Kind)
	require.Equal(t, Leading, o.State())
}

// TestSegmentsCheckedMismatchDemotesToFollowing guards spec §4.7's
// get_segments protocol-violation rule: a count mismatch between
// requested and master-reported segments demotes the observer back to
// Following, regardless of its current epoch.
func TestSegmentsCheckedMismatchDemotesToFollowing(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})
	require.Equal(t, Leading, o.State())

	intents := o.Handle(SegmentsChecked(2, 1))
	require.Empty(t, intents)
	require.Equal(t, Following, o.State())
}

func TestSegmentsCheckedMatchStaysLeading(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})

	intents := o.Handle(SegmentsChecked(2, 2))
	require.Empty(t, intents)
	require.Equal(t, Leading, o.State())
}

func TestReceivedUpdatesWatermarkAndResetsFailureCount(t *testing.T) {
	o, _ := newTestObserver(t)
	o.HandleCommand(transport.Command{Kind: transport.CommandPromote, Epoch: 1, CopySet: []string{"a", "b", "c"}})
	o.consecutiveWriteFailures = 2

	require.Nil(t, o.Handle(Received("a", 4, 4)))
	require.Equal(t, uint32(4), o.replicas["a"].matchedIndex)
	require.Equal(t, 0, o.consecutiveWriteFailures)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/observer"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

type fakeTransport struct {
	writeResp transport.WriteResponse
	writeErr  error
	sealAcked uint32
	sealErr   error
	readBatch []wal.Entry
	readErr   error
}

func (f *fakeTransport) Write(ctx context.Context, target string, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error) {
	return f.writeResp, f.writeErr
}

func (f *fakeTransport) Seal(ctx context.Context, target string, streamID uint64, writerEpoch, segmentEpoch uint32) (uint32, error) {
	return f.sealAcked, f.sealErr
}

func (f *fakeTransport) Read(ctx context.Context, target string, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error {
	if f.readErr != nil {
		return f.readErr
	}
	if len(f.readBatch) > 0 {
		return onBatch(f.readBatch)
	}
	return nil
}

type fakeMaster struct {
	cmds []transport.Command
	err  error

	segments    []*transport.SegmentDesc
	segmentsErr error
}

func (f *fakeMaster) Heartbeat(ctx context.Context, meta transport.ObserverMeta) ([]transport.Command, error) {
	return f.cmds, f.err
}

func (f *fakeMaster) GetSegments(ctx context.Context, streamID uint64, epochs []uint32) ([]*transport.SegmentDesc, error) {
	return f.segments, f.segmentsErr
}

func (f *fakeMaster) SealSegment(ctx context.Context, streamID uint64, segmentEpoch uint32) error {
	return nil
}

func drainOne(t *testing.T, ch <-chan observer.Msg) observer.Msg {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return observer.Msg{}
	}
}

func TestExecuteWriteDeliversReceived(t *testing.T) {
	tr := &fakeTransport{writeResp: transport.WriteResponse{MatchedIndex: 5, AckedIndex: 4}}
	out := make(chan observer.Msg, 1)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Transport: tr}, out, cmds, Options{})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentWrite, Replica: "r1"}})
	msg := drainOne(t, out)
	require.Equal(t, observer.MsgReceived, msg.Kind)
	require.Equal(t, uint32(5), msg.MatchedIndex)
}

func TestExecuteWriteFailureDeliversWriteTimeout(t *testing.T) {
	tr := &fakeTransport{writeErr: context.DeadlineExceeded}
	out := make(chan observer.Msg, 1)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Transport: tr}, out, cmds, Options{})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentWrite, Replica: "r1"}})
	msg := drainOne(t, out)
	require.Equal(t, observer.MsgWriteTimeout, msg.Kind)
}

func TestExecuteLearnDeliversLearnedThenRecovered(t *testing.T) {
	tr := &fakeTransport{readBatch: []wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("x")}}}
	out := make(chan observer.Msg, 2)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Transport: tr}, out, cmds, Options{})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentLearn, Replica: "r1", SegmentEpoch: 1, LearnStartIndex: 1}})
	first := drainOne(t, out)
	require.Equal(t, observer.MsgLearned, first.Kind)
	second := drainOne(t, out)
	require.Equal(t, observer.MsgRecovered, second.Kind)
}

func TestExecuteHeartbeatForwardsCommands(t *testing.T) {
	m := &fakeMaster{cmds: []transport.Command{{Kind: transport.CommandPromote, Epoch: 2}}}
	out := make(chan observer.Msg, 1)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Master: m}, out, cmds, Options{})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentHeartbeat}})
	select {
	case cmd := <-cmds:
		require.Equal(t, transport.CommandPromote, cmd.Kind)
		require.Equal(t, uint32(2), cmd.Epoch)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for command")
	}
}

func TestExecuteGetSegmentsDeliversCounts(t *testing.T) {
	m := &fakeMaster{segments: []*transport.SegmentDesc{{SegmentEpoch: 1}}}
	out := make(chan observer.Msg, 1)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Master: m}, out, cmds, Options{})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentGetSegments, Epochs: []uint32{1, 2}}})
	msg := drainOne(t, out)
	require.Equal(t, observer.MsgSegmentsChecked, msg.Kind)
	require.Equal(t, 2, msg.RequestedSegments)
	require.Equal(t, 1, msg.ReceivedSegments)
}

func TestExecuteGetSegmentsFailureDeliversConClusterTimeout(t *testing.T) {
	m := &fakeMaster{segmentsErr: context.DeadlineExceeded}
	out := make(chan observer.Msg, 1)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Master: m}, out, cmds, Options{})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentGetSegments, Epochs: []uint32{1}}})
	msg := drainOne(t, out)
	require.Equal(t, observer.MsgConClusterTimeout, msg.Kind)
}

func TestExecuteHeartbeatFailureDeliversConClusterTimeout(t *testing.T) {
	m := &fakeMaster{err: context.DeadlineExceeded}
	out := make(chan observer.Msg, 1)
	cmds := make(chan transport.Command, 1)
	s := New(Runtime{Master: m}, out, cmds, Options{HeartbeatInterval: 10 * time.Millisecond})

	s.Run(context.Background(), []observer.Intent{{Kind: observer.IntentHeartbeat}})
	msg := drainOne(t, out)
	require.Equal(t, observer.MsgConClusterTimeout, msg.Kind)
}

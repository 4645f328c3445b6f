package grpctransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

func dialTestServer(t *testing.T, backend Backend) *grpc.ClientConn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(backend, nil)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWriteRoundTrip(t *testing.T) {
	conn := dialTestServer(t, Backend{
		Write: func(ctx context.Context, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error) {
			require.Equal(t, uint64(9), streamID)
			return transport.WriteResponse{MatchedIndex: 3, AckedIndex: 2}, nil
		},
	})
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Write(ctx, "r", 9, 1, transport.WriteRequest{FirstIndex: 1, Entries: []wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("x")}}})
	require.NoError(t, err)
	require.Equal(t, uint32(3), resp.MatchedIndex)
}

func TestReadStreamsThenEnds(t *testing.T) {
	conn := dialTestServer(t, Backend{
		Read: func(ctx context.Context, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error {
			if err := onBatch([]wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("a")}}); err != nil {
				return err
			}
			return onBatch([]wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("b")}})
		},
	})
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []wal.Entry
	err := client.Read(ctx, "r", 1, 1, 1, false, func(batch []wal.Entry) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	master := &stubMaster{cmds: []transport.Command{{Kind: transport.CommandPromote, Epoch: 7}}}
	conn := dialTestServer(t, Backend{Master: master})
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmds, err := client.Heartbeat(ctx, transport.ObserverMeta{ObserverID: "o1", StreamID: 1})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, uint32(7), cmds[0].Epoch)
}

type stubMaster struct {
	cmds []transport.Command
}

func (m *stubMaster) Heartbeat(ctx context.Context, meta transport.ObserverMeta) ([]transport.Command, error) {
	return m.cmds, nil
}

func (m *stubMaster) GetSegments(ctx context.Context, streamID uint64, epochs []uint32) ([]*transport.SegmentDesc, error) {
	return nil, nil
}

func (m *stubMaster) SealSegment(ctx context.Context, streamID uint64, segmentEpoch uint32) error {
	return nil
}

package natstransport

import (
	"context"
	"testing"
	"time"

	natsdTest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

func dialTestServer(t *testing.T) *nats.Conn {
	t.Helper()
	opts := natsdTest.DefaultTestOptions
	opts.Port = -1
	ns := natsdTest.RunServer(&opts)
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestWriteRoundTrip(t *testing.T) {
	nc := dialTestServer(t)
	srv := NewServer(nc, "replica-a",
		func(ctx context.Context, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error) {
			require.Equal(t, uint64(1), streamID)
			require.Equal(t, "hello", string(req.Entries[0].Bytes))
			return transport.WriteResponse{MatchedIndex: 1, AckedIndex: 1}, nil
		},
		nil, nil, nil,
	)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client := NewClient(nc, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Write(ctx, "replica-a", 1, 1, transport.WriteRequest{
		SegmentEpoch: 1, FirstIndex: 1, Entries: []wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("hello")}},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), resp.MatchedIndex)
}

func TestSealRoundTrip(t *testing.T) {
	nc := dialTestServer(t)
	srv := NewServer(nc, "replica-b", nil,
		func(ctx context.Context, streamID uint64, writerEpoch, segmentEpoch uint32) (uint32, error) {
			return 9, nil
		},
		nil, nil,
	)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client := NewClient(nc, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	acked, err := client.Seal(ctx, "replica-b", 1, 1, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(9), acked)
}

func TestReadStreamsBatchesThenEnds(t *testing.T) {
	nc := dialTestServer(t)
	srv := NewServer(nc, "replica-c", nil, nil,
		func(ctx context.Context, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error {
			return onBatch([]wal.Entry{{Kind: wal.EntryEvent, Bytes: []byte("a")}})
		},
		nil,
	)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client := NewClient(nc, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []wal.Entry
	err := client.Read(ctx, "replica-c", 1, 1, 1, false, func(batch []wal.Entry) error {
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

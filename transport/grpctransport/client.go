package grpctransport

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

// callOpts forces every call this Client makes to negotiate the arrowlog
// codec instead of grpc's default protobuf codec.
var callOpts = []grpc.CallOption{grpc.CallContentSubtype(codecName)}

// Client is a transport.Transport and transport.Master backed by a single
// *grpc.ClientConn dialed with the arrowlog codec.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps conn. conn must have been dialed with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(grpctransport.CodecName()))
// or every call here attaches it explicitly via CallOption, so either dial
// style works.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// CodecName returns the gRPC content-subtype this package registers, for
// callers that want to set it as a default dial option instead of relying
// on the explicit per-call option this Client already attaches.
func CodecName() string { return codecName }

func (c *Client) Write(ctx context.Context, target string, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error) {
	in := &writeRequestWire{StreamID: streamID, WriterEpoch: writerEpoch, Req: req}
	out := &writeResponseWire{}
	if err := c.conn.Invoke(ctx, "/"+transportServiceName+"/Write", in, out, callOpts...); err != nil {
		return transport.WriteResponse{}, kerrors.Newf(kerrors.IO, "grpc write to %s: %v", target, err)
	}
	return out.Resp, nil
}

func (c *Client) Seal(ctx context.Context, target string, streamID uint64, writerEpoch, segmentEpoch uint32) (uint32, error) {
	in := &sealRequestWire{StreamID: streamID, WriterEpoch: writerEpoch, SegmentEpoch: segmentEpoch}
	out := &sealResponseWire{}
	if err := c.conn.Invoke(ctx, "/"+transportServiceName+"/Seal", in, out, callOpts...); err != nil {
		return 0, kerrors.Newf(kerrors.IO, "grpc seal on %s: %v", target, err)
	}
	return out.AckedIndex, nil
}

func (c *Client) Read(ctx context.Context, target string, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "Read", ServerStreams: true}, "/"+transportServiceName+"/Read", callOpts...)
	if err != nil {
		return kerrors.Newf(kerrors.IO, "grpc read stream to %s: %v", target, err)
	}
	req := &readRequestWire{StreamID: streamID, SegmentEpoch: segmentEpoch, StartIndex: startIndex, RequireAcked: requireAcked}
	if err := stream.SendMsg(req); err != nil {
		return kerrors.Newf(kerrors.IO, "grpc read request to %s: %v", target, err)
	}
	if err := stream.CloseSend(); err != nil {
		return kerrors.Newf(kerrors.IO, "grpc read close-send to %s: %v", target, err)
	}

	for {
		batch := &readBatchWire{}
		err := stream.RecvMsg(batch)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return kerrors.Newf(kerrors.IO, "grpc read from %s: %v", target, err)
		}
		if err := onBatch(batch.Entries); err != nil {
			return err
		}
	}
}

func (c *Client) Heartbeat(ctx context.Context, meta transport.ObserverMeta) ([]transport.Command, error) {
	in := &heartbeatRequestWire{Meta: meta}
	out := &heartbeatResponseWire{}
	if err := c.conn.Invoke(ctx, "/"+masterServiceName+"/Heartbeat", in, out, callOpts...); err != nil {
		return nil, kerrors.Newf(kerrors.IO, "grpc heartbeat: %v", err)
	}
	return out.Commands, nil
}

func (c *Client) GetSegments(ctx context.Context, streamID uint64, epochs []uint32) ([]*transport.SegmentDesc, error) {
	in := &getSegmentsRequestWire{StreamID: streamID, Epochs: epochs}
	out := &getSegmentsResponseWire{}
	if err := c.conn.Invoke(ctx, "/"+masterServiceName+"/GetSegments", in, out, callOpts...); err != nil {
		return nil, kerrors.Newf(kerrors.IO, "grpc get_segments: %v", err)
	}
	return out.Descs, nil
}

func (c *Client) SealSegment(ctx context.Context, streamID uint64, segmentEpoch uint32) error {
	in := &sealSegmentRequestWire{StreamID: streamID, SegmentEpoch: segmentEpoch}
	out := &sealSegmentResponseWire{}
	if err := c.conn.Invoke(ctx, "/"+masterServiceName+"/SealSegment", in, out, callOpts...); err != nil {
		return kerrors.Newf(kerrors.IO, "grpc seal_segment: %v", err)
	}
	return nil
}

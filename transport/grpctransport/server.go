package grpctransport

import (
	"context"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

const (
	transportServiceName = "arrowlog.transport.Transport"
	masterServiceName    = "arrowlog.transport.Master"
)

// Backend bundles the local implementations a grpc Server dispatches RPCs
// to: the replica side of Transport and, optionally, the Master service
// (spec §6). A pure replica process leaves Master nil.
type Backend struct {
	Write  func(ctx context.Context, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error)
	Seal   func(ctx context.Context, streamID uint64, writerEpoch, segmentEpoch uint32) (uint32, error)
	Read   func(ctx context.Context, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error
	Master transport.Master
}

// NewServer builds a *grpc.Server exposing backend over the hand-registered
// arrowlog codec, with logging and panic-recovery interceptors chained in
// the order grpc-ecosystem/go-grpc-middleware documents (recovery
// outermost, so a panic in a later interceptor is still caught).
func NewServer(backend Backend, log logger.Logger) *grpc.Server {
	if log == nil {
		log = logger.NewSilent()
	}
	entry := logrus.NewEntry(logrus.StandardLogger())

	g := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_recovery.UnaryServerInterceptor(),
			grpc_logrus.UnaryServerInterceptor(entry),
		)),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_recovery.StreamServerInterceptor(),
			grpc_logrus.StreamServerInterceptor(entry),
		)),
	)

	h := &handler{backend: backend, log: log}
	g.RegisterService(&grpc.ServiceDesc{
		ServiceName: transportServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Write", Handler: h.writeUnary},
			{MethodName: "Seal", Handler: h.sealUnary},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "Read", Handler: h.readStream, ServerStreams: true},
		},
	}, h)

	if backend.Master != nil {
		g.RegisterService(&grpc.ServiceDesc{
			ServiceName: masterServiceName,
			HandlerType: (*any)(nil),
			Methods: []grpc.MethodDesc{
				{MethodName: "Heartbeat", Handler: h.heartbeatUnary},
				{MethodName: "GetSegments", Handler: h.getSegmentsUnary},
				{MethodName: "SealSegment", Handler: h.sealSegmentUnary},
			},
		}, h)
	}
	return g
}

type handler struct {
	backend Backend
	log     logger.Logger
}

func (h *handler) writeUnary(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &writeRequestWire{}
	if err := dec(req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req interface{}) (interface{}, error) {
		in := req.(*writeRequestWire)
		resp, err := h.backend.Write(ctx, in.StreamID, in.WriterEpoch, in.Req)
		if err != nil {
			return nil, err
		}
		return &writeResponseWire{Resp: resp}, nil
	}
	if interceptor == nil {
		return run(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + transportServiceName + "/Write"}, run)
}

func (h *handler) sealUnary(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &sealRequestWire{}
	if err := dec(req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req interface{}) (interface{}, error) {
		in := req.(*sealRequestWire)
		acked, err := h.backend.Seal(ctx, in.StreamID, in.WriterEpoch, in.SegmentEpoch)
		if err != nil {
			return nil, err
		}
		return &sealResponseWire{AckedIndex: acked}, nil
	}
	if interceptor == nil {
		return run(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + transportServiceName + "/Seal"}, run)
}

func (h *handler) readStream(srv interface{}, stream grpc.ServerStream) error {
	req := &readRequestWire{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return h.backend.Read(stream.Context(), req.StreamID, req.SegmentEpoch, req.StartIndex, req.RequireAcked, func(entries []wal.Entry) error {
		return stream.SendMsg(&readBatchWire{Entries: entries})
	})
}

func (h *handler) heartbeatUnary(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &heartbeatRequestWire{}
	if err := dec(req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req interface{}) (interface{}, error) {
		in := req.(*heartbeatRequestWire)
		cmds, err := h.backend.Master.Heartbeat(ctx, in.Meta)
		if err != nil {
			return nil, err
		}
		return &heartbeatResponseWire{Commands: cmds}, nil
	}
	if interceptor == nil {
		return run(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + masterServiceName + "/Heartbeat"}, run)
}

func (h *handler) getSegmentsUnary(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &getSegmentsRequestWire{}
	if err := dec(req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req interface{}) (interface{}, error) {
		in := req.(*getSegmentsRequestWire)
		descs, err := h.backend.Master.GetSegments(ctx, in.StreamID, in.Epochs)
		if err != nil {
			return nil, err
		}
		return &getSegmentsResponseWire{Descs: descs}, nil
	}
	if interceptor == nil {
		return run(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + masterServiceName + "/GetSegments"}, run)
}

func (h *handler) sealSegmentUnary(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &sealSegmentRequestWire{}
	if err := dec(req); err != nil {
		return nil, err
	}
	run := func(ctx context.Context, req interface{}) (interface{}, error) {
		in := req.(*sealSegmentRequestWire)
		if err := h.backend.Master.SealSegment(ctx, in.StreamID, in.SegmentEpoch); err != nil {
			return nil, err
		}
		return &sealSegmentResponseWire{}, nil
	}
	if interceptor == nil {
		return run(ctx, req)
	}
	return interceptor(ctx, req, &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + masterServiceName + "/SealSegment"}, run)
}

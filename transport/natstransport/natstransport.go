// Package natstransport implements transport.Transport and transport.Master
// over raw NATS request-reply, grounded in the teacher's
// server/metadata.go propagateRequest/getServerInfo pattern
// (nc.RequestWithContext for unary calls, PublishRequest+SubscribeSync on an
// inbox for the one streaming call, Read). Every payload is framed with
// codec.FrameWithCRC, reusing commitlog's record framer as the wire format
// (SPEC_FULL.md §4.9) rather than introducing a second serialization scheme.
package natstransport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/devillove084/arrowlog/codec"
	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

func writeSubject(replica string) string     { return fmt.Sprintf("arrowlog.%s.write", replica) }
func sealSubject(replica string) string      { return fmt.Sprintf("arrowlog.%s.seal", replica) }
func readSubject(replica string) string      { return fmt.Sprintf("arrowlog.%s.read", replica) }
func heartbeatSubject() string               { return "arrowlog.master.heartbeat" }
func getSegmentsSubject() string             { return "arrowlog.master.get_segments" }
func sealSegmentSubject() string             { return "arrowlog.master.seal_segment" }

// readEndOfStream is the zero-length sentinel payload a Read responder
// publishes to the reply inbox once it has nothing further to stream.
var readEndOfStream = []byte{}

// Client is a transport.Transport and transport.Master backed by a single
// shared NATS connection.
type Client struct {
	nc  *nats.Conn
	log logger.Logger
}

// NewClient wraps nc as a Transport/Master.
func NewClient(nc *nats.Conn, log logger.Logger) *Client {
	if log == nil {
		log = logger.NewSilent()
	}
	return &Client{nc: nc, log: log}
}

// Write implements transport.Transport.
func (c *Client) Write(ctx context.Context, target string, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error) {
	rec := &wal.Record{
		StreamID: streamID, WriterEpoch: writerEpoch, SegmentEpoch: req.SegmentEpoch,
		FirstIndex: req.FirstIndex, AckedSeq: req.AckedSeq, Entries: req.Entries,
	}
	resp, err := c.nc.RequestWithContext(ctx, writeSubject(target), commitlog.EncodeRecord(rec))
	if err != nil {
		return transport.WriteResponse{}, kerrors.Newf(kerrors.IO, "nats write request to %s: %v", target, err)
	}
	payload, _, ferr := codec.UnframeWithCRC(resp.Data)
	if ferr != nil {
		return transport.WriteResponse{}, kerrors.Newf(kerrors.IO, "nats write response from %s: %v", target, ferr)
	}
	pr := codec.NewReader(payload)
	return transport.WriteResponse{MatchedIndex: pr.GetUint32(), AckedIndex: pr.GetUint32()}, nil
}

// Seal implements transport.Transport.
func (c *Client) Seal(ctx context.Context, target string, streamID uint64, writerEpoch, segmentEpoch uint32) (uint32, error) {
	pw := codec.NewWriter(16)
	pw.PutUint64(streamID)
	pw.PutUint32(writerEpoch)
	pw.PutUint32(segmentEpoch)
	resp, err := c.nc.RequestWithContext(ctx, sealSubject(target), codec.FrameWithCRC(pw.Bytes()))
	if err != nil {
		return 0, kerrors.Newf(kerrors.IO, "nats seal request to %s: %v", target, err)
	}
	payload, _, ferr := codec.UnframeWithCRC(resp.Data)
	if ferr != nil {
		return 0, kerrors.Newf(kerrors.IO, "nats seal response from %s: %v", target, ferr)
	}
	return codec.NewReader(payload).GetUint32(), nil
}

// Read implements transport.Transport. It opens a synchronous inbox
// subscription, publishes the read request with that inbox as the reply
// subject, and delivers decoded batches to onBatch until the responder
// sends the end-of-stream sentinel or ctx is done.
func (c *Client) Read(ctx context.Context, target string, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error {
	inbox := nats.NewInbox()
	sub, err := c.nc.SubscribeSync(inbox)
	if err != nil {
		return kerrors.Newf(kerrors.IO, "nats read subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	pw := codec.NewWriter(24)
	pw.PutUint64(streamID)
	pw.PutUint32(segmentEpoch)
	pw.PutUint32(startIndex)
	if requireAcked {
		pw.PutUint8(1)
	} else {
		pw.PutUint8(0)
	}
	if err := c.nc.PublishRequest(readSubject(target), inbox, codec.FrameWithCRC(pw.Bytes())); err != nil {
		return kerrors.Newf(kerrors.IO, "nats read publish to %s: %v", target, err)
	}

	for {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(30 * time.Second)
		}
		msg, err := sub.NextMsg(time.Until(deadline))
		if err != nil {
			return kerrors.Newf(kerrors.Timeout, "nats read from %s: %v", target, err)
		}
		if len(msg.Data) == 0 {
			return nil
		}
		rec, _, derr := commitlog.DecodeRecord(msg.Data)
		if derr != nil {
			return derr
		}
		if err := onBatch(rec.Entries); err != nil {
			return err
		}
	}
}

// Heartbeat implements transport.Master.
func (c *Client) Heartbeat(ctx context.Context, meta transport.ObserverMeta) ([]transport.Command, error) {
	pw := codec.NewWriter(32)
	pw.PutLenPrefixed([]byte(meta.ObserverID))
	pw.PutUint64(meta.StreamID)
	pw.PutUint32(meta.WriterEpoch)
	pw.PutUint8(uint8(meta.State))
	pw.PutUint64(meta.AckedSeq.Uint64())

	resp, err := c.nc.RequestWithContext(ctx, heartbeatSubject(), codec.FrameWithCRC(pw.Bytes()))
	if err != nil {
		return nil, kerrors.Newf(kerrors.IO, "nats heartbeat: %v", err)
	}
	payload, _, ferr := codec.UnframeWithCRC(resp.Data)
	if ferr != nil {
		return nil, kerrors.Newf(kerrors.IO, "nats heartbeat response: %v", ferr)
	}
	pr := codec.NewReader(payload)
	n := pr.GetUint32()
	cmds := make([]transport.Command, n)
	for i := range cmds {
		cmds[i].Kind = transport.CommandKind(pr.GetUint8())
		cmds[i].Epoch = pr.GetUint32()
		cmds[i].Leader = string(pr.GetLenPrefixed())
		copySetLen := pr.GetUint32()
		cmds[i].CopySet = make([]string, copySetLen)
		for j := range cmds[i].CopySet {
			cmds[i].CopySet[j] = string(pr.GetLenPrefixed())
		}
		pendingLen := pr.GetUint32()
		cmds[i].PendingEpochs = make([]uint32, pendingLen)
		for j := range cmds[i].PendingEpochs {
			cmds[i].PendingEpochs[j] = pr.GetUint32()
		}
	}
	return cmds, nil
}

// GetSegments implements transport.Master. The scheduler calls it for an
// observer's GetSegments intent. It returns every descriptor the master
// sent, without checking the count against len(epochs); the caller compares
// the two.
func (c *Client) GetSegments(ctx context.Context, streamID uint64, epochs []uint32) ([]*transport.SegmentDesc, error) {
	pw := codec.NewWriter(12 + 4*len(epochs))
	pw.PutUint64(streamID)
	pw.PutUint32(uint32(len(epochs)))
	for _, e := range epochs {
		pw.PutUint32(e)
	}
	resp, err := c.nc.RequestWithContext(ctx, getSegmentsSubject(), codec.FrameWithCRC(pw.Bytes()))
	if err != nil {
		return nil, kerrors.Newf(kerrors.IO, "nats get_segments: %v", err)
	}
	payload, _, ferr := codec.UnframeWithCRC(resp.Data)
	if ferr != nil {
		return nil, kerrors.Newf(kerrors.IO, "nats get_segments response: %v", ferr)
	}
	pr := codec.NewReader(payload)
	n := pr.GetUint32()
	out := make([]*transport.SegmentDesc, n)
	for i := range out {
		if pr.GetUint8() == 0 {
			continue
		}
		out[i] = &transport.SegmentDesc{
			SegmentEpoch:  pr.GetUint32(),
			PromisedEpoch: pr.GetUint32(),
			Sealed:        pr.GetUint8() != 0,
		}
	}
	return out, nil
}

// SealSegment implements transport.Master.
func (c *Client) SealSegment(ctx context.Context, streamID uint64, segmentEpoch uint32) error {
	pw := codec.NewWriter(12)
	pw.PutUint64(streamID)
	pw.PutUint32(segmentEpoch)
	_, err := c.nc.RequestWithContext(ctx, sealSegmentSubject(), codec.FrameWithCRC(pw.Bytes()))
	if err != nil {
		return kerrors.Newf(kerrors.IO, "nats seal_segment: %v", err)
	}
	return nil
}

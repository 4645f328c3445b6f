package natstransport

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/devillove084/arrowlog/codec"
	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/internal/logger"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

// WriteFunc durably applies a fanned-out write against the local stream
// database, returning the replica's post-write watermarks.
type WriteFunc func(ctx context.Context, streamID uint64, writerEpoch uint32, req transport.WriteRequest) (transport.WriteResponse, error)

// SealFunc seals a local segment and returns its final acked_index.
type SealFunc func(ctx context.Context, streamID uint64, writerEpoch, segmentEpoch uint32) (ackedIndex uint32, err error)

// ReadFunc streams entries from the local segment starting at startIndex.
type ReadFunc func(ctx context.Context, streamID uint64, segmentEpoch, startIndex uint32, requireAcked bool, onBatch func([]wal.Entry) error) error

// Server answers transport.Transport RPCs for one replica identity over
// NATS, dispatching to locally-injected handlers (spec §6's "the replica
// side of the transport interface").
type Server struct {
	nc        *nats.Conn
	replicaID string
	write     WriteFunc
	seal      SealFunc
	read      ReadFunc
	log       logger.Logger
	subs      []*nats.Subscription
}

// NewServer creates a Server that will subscribe under replicaID's subjects
// once Start is called.
func NewServer(nc *nats.Conn, replicaID string, write WriteFunc, seal SealFunc, read ReadFunc, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewSilent()
	}
	return &Server{nc: nc, replicaID: replicaID, write: write, seal: seal, read: read, log: log}
}

// Start subscribes to this replica's write/seal/read subjects.
func (s *Server) Start() error {
	sub, err := s.nc.Subscribe(writeSubject(s.replicaID), s.handleWrite)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.nc.Subscribe(sealSubject(s.replicaID), s.handleSeal)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.nc.Subscribe(readSubject(s.replicaID), s.handleRead)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Stop unsubscribes from every subject this server registered.
func (s *Server) Stop() error {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			return err
		}
	}
	s.subs = nil
	return nil
}

func (s *Server) handleWrite(msg *nats.Msg) {
	rec, _, err := commitlog.DecodeRecord(msg.Data)
	if err != nil {
		s.log.Warnf("natstransport: malformed write request: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := s.write(ctx, rec.StreamID, rec.WriterEpoch, transport.WriteRequest{
		SegmentEpoch: rec.SegmentEpoch, AckedSeq: rec.AckedSeq, FirstIndex: rec.FirstIndex, Entries: rec.Entries,
	})
	if err != nil {
		s.log.Warnf("natstransport: write handler failed: %v", err)
		return
	}
	pw := codec.NewWriter(8)
	pw.PutUint32(resp.MatchedIndex)
	pw.PutUint32(resp.AckedIndex)
	if err := msg.Respond(codec.FrameWithCRC(pw.Bytes())); err != nil {
		s.log.Warnf("natstransport: respond to write failed: %v", err)
	}
}

func (s *Server) handleSeal(msg *nats.Msg) {
	payload, _, ferr := codec.UnframeWithCRC(msg.Data)
	if ferr != nil {
		s.log.Warnf("natstransport: malformed seal request: %v", ferr)
		return
	}
	pr := codec.NewReader(payload)
	streamID := pr.GetUint64()
	writerEpoch := pr.GetUint32()
	segmentEpoch := pr.GetUint32()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ackedIndex, err := s.seal(ctx, streamID, writerEpoch, segmentEpoch)
	if err != nil {
		s.log.Warnf("natstransport: seal handler failed: %v", err)
		return
	}
	pw := codec.NewWriter(4)
	pw.PutUint32(ackedIndex)
	if err := msg.Respond(codec.FrameWithCRC(pw.Bytes())); err != nil {
		s.log.Warnf("natstransport: respond to seal failed: %v", err)
	}
}

func (s *Server) handleRead(msg *nats.Msg) {
	payload, _, ferr := codec.UnframeWithCRC(msg.Data)
	if ferr != nil {
		s.log.Warnf("natstransport: malformed read request: %v", ferr)
		return
	}
	pr := codec.NewReader(payload)
	streamID := pr.GetUint64()
	segmentEpoch := pr.GetUint32()
	startIndex := pr.GetUint32()
	requireAcked := pr.GetUint8() != 0

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.read(ctx, streamID, segmentEpoch, startIndex, requireAcked, func(entries []wal.Entry) error {
		rec := &wal.Record{StreamID: streamID, SegmentEpoch: segmentEpoch, FirstIndex: startIndex, Entries: entries}
		return s.nc.Publish(msg.Reply, commitlog.EncodeRecord(rec))
	})
	if err != nil {
		s.log.Warnf("natstransport: read handler for stream %d failed: %v", streamID, err)
	}
	if err := s.nc.Publish(msg.Reply, readEndOfStream); err != nil {
		s.log.Warnf("natstransport: publish read end-of-stream failed: %v", err)
	}
}

package grpctransport

import (
	"github.com/devillove084/arrowlog/codec"
	"github.com/devillove084/arrowlog/commitlog"
	"github.com/devillove084/arrowlog/transport"
	"github.com/devillove084/arrowlog/wal"
)

// writeRequestWire/writeResponseWire and their siblings are the gRPC
// message types registered against arrowlogCodec. Each wraps the same
// domain value natstransport encodes onto NATS subjects, so both adapters
// share one wire vocabulary even though they never share a connection.

type writeRequestWire struct {
	StreamID    uint64
	WriterEpoch uint32
	Req         transport.WriteRequest
}

func (w *writeRequestWire) MarshalWire() []byte {
	rec := &wal.Record{
		StreamID: w.StreamID, WriterEpoch: w.WriterEpoch, SegmentEpoch: w.Req.SegmentEpoch,
		FirstIndex: w.Req.FirstIndex, AckedSeq: w.Req.AckedSeq, Entries: w.Req.Entries,
	}
	return commitlog.EncodeRecord(rec)
}

func (w *writeRequestWire) UnmarshalWire(data []byte) error {
	rec, _, err := commitlog.DecodeRecord(data)
	if err != nil {
		return err
	}
	w.StreamID, w.WriterEpoch = rec.StreamID, rec.WriterEpoch
	w.Req = transport.WriteRequest{
		SegmentEpoch: rec.SegmentEpoch, AckedSeq: rec.AckedSeq, FirstIndex: rec.FirstIndex, Entries: rec.Entries,
	}
	return nil
}

type writeResponseWire struct {
	Resp transport.WriteResponse
}

func (w *writeResponseWire) MarshalWire() []byte {
	pw := codec.NewWriter(8)
	pw.PutUint32(w.Resp.MatchedIndex)
	pw.PutUint32(w.Resp.AckedIndex)
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *writeResponseWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	w.Resp = transport.WriteResponse{MatchedIndex: pr.GetUint32(), AckedIndex: pr.GetUint32()}
	return nil
}

type sealRequestWire struct {
	StreamID                   uint64
	WriterEpoch, SegmentEpoch uint32
}

func (w *sealRequestWire) MarshalWire() []byte {
	pw := codec.NewWriter(16)
	pw.PutUint64(w.StreamID)
	pw.PutUint32(w.WriterEpoch)
	pw.PutUint32(w.SegmentEpoch)
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *sealRequestWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	w.StreamID = pr.GetUint64()
	w.WriterEpoch = pr.GetUint32()
	w.SegmentEpoch = pr.GetUint32()
	return nil
}

type sealResponseWire struct {
	AckedIndex uint32
}

func (w *sealResponseWire) MarshalWire() []byte {
	pw := codec.NewWriter(4)
	pw.PutUint32(w.AckedIndex)
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *sealResponseWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	w.AckedIndex = codec.NewReader(payload).GetUint32()
	return nil
}

type readRequestWire struct {
	StreamID     uint64
	SegmentEpoch uint32
	StartIndex   uint32
	RequireAcked bool
}

func (w *readRequestWire) MarshalWire() []byte {
	pw := codec.NewWriter(17)
	pw.PutUint64(w.StreamID)
	pw.PutUint32(w.SegmentEpoch)
	pw.PutUint32(w.StartIndex)
	if w.RequireAcked {
		pw.PutUint8(1)
	} else {
		pw.PutUint8(0)
	}
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *readRequestWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	w.StreamID = pr.GetUint64()
	w.SegmentEpoch = pr.GetUint32()
	w.StartIndex = pr.GetUint32()
	w.RequireAcked = pr.GetUint8() != 0
	return nil
}

type readBatchWire struct {
	Entries []wal.Entry
}

func (w *readBatchWire) MarshalWire() []byte {
	rec := &wal.Record{Entries: w.Entries}
	return commitlog.EncodeRecord(rec)
}

func (w *readBatchWire) UnmarshalWire(data []byte) error {
	rec, _, err := commitlog.DecodeRecord(data)
	if err != nil {
		return err
	}
	w.Entries = rec.Entries
	return nil
}

type heartbeatRequestWire struct {
	Meta transport.ObserverMeta
}

func (w *heartbeatRequestWire) MarshalWire() []byte {
	pw := codec.NewWriter(32)
	pw.PutLenPrefixed([]byte(w.Meta.ObserverID))
	pw.PutUint64(w.Meta.StreamID)
	pw.PutUint32(w.Meta.WriterEpoch)
	pw.PutUint8(uint8(w.Meta.State))
	pw.PutUint64(w.Meta.AckedSeq.Uint64())
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *heartbeatRequestWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	w.Meta.ObserverID = string(pr.GetLenPrefixed())
	w.Meta.StreamID = pr.GetUint64()
	w.Meta.WriterEpoch = pr.GetUint32()
	w.Meta.State = transport.ObserverState(pr.GetUint8())
	w.Meta.AckedSeq = wal.SequenceFromUint64(pr.GetUint64())
	return nil
}

type getSegmentsRequestWire struct {
	StreamID uint64
	Epochs   []uint32
}

func (w *getSegmentsRequestWire) MarshalWire() []byte {
	pw := codec.NewWriter(12 + 4*len(w.Epochs))
	pw.PutUint64(w.StreamID)
	pw.PutUint32(uint32(len(w.Epochs)))
	for _, e := range w.Epochs {
		pw.PutUint32(e)
	}
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *getSegmentsRequestWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	w.StreamID = pr.GetUint64()
	n := pr.GetUint32()
	w.Epochs = make([]uint32, n)
	for i := range w.Epochs {
		w.Epochs[i] = pr.GetUint32()
	}
	return nil
}

type getSegmentsResponseWire struct {
	Descs []*transport.SegmentDesc
}

func (w *getSegmentsResponseWire) MarshalWire() []byte {
	pw := codec.NewWriter(8 + 16*len(w.Descs))
	pw.PutUint32(uint32(len(w.Descs)))
	for _, d := range w.Descs {
		if d == nil {
			pw.PutUint8(0)
			continue
		}
		pw.PutUint8(1)
		pw.PutUint32(d.SegmentEpoch)
		pw.PutUint32(d.PromisedEpoch)
		if d.Sealed {
			pw.PutUint8(1)
		} else {
			pw.PutUint8(0)
		}
	}
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *getSegmentsResponseWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	n := pr.GetUint32()
	w.Descs = make([]*transport.SegmentDesc, n)
	for i := range w.Descs {
		if pr.GetUint8() == 0 {
			continue
		}
		w.Descs[i] = &transport.SegmentDesc{
			SegmentEpoch:  pr.GetUint32(),
			PromisedEpoch: pr.GetUint32(),
			Sealed:        pr.GetUint8() != 0,
		}
	}
	return nil
}

type sealSegmentRequestWire struct {
	StreamID     uint64
	SegmentEpoch uint32
}

func (w *sealSegmentRequestWire) MarshalWire() []byte {
	pw := codec.NewWriter(12)
	pw.PutUint64(w.StreamID)
	pw.PutUint32(w.SegmentEpoch)
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *sealSegmentRequestWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	w.StreamID = pr.GetUint64()
	w.SegmentEpoch = pr.GetUint32()
	return nil
}

// sealSegmentResponseWire carries no fields; SealSegment's wire response is
// an empty, CRC-framed acknowledgement.
type sealSegmentResponseWire struct{}

func (w *sealSegmentResponseWire) MarshalWire() []byte      { return codec.FrameWithCRC(nil) }
func (w *sealSegmentResponseWire) UnmarshalWire([]byte) error { return nil }

type heartbeatResponseWire struct {
	Commands []transport.Command
}

func (w *heartbeatResponseWire) MarshalWire() []byte {
	pw := codec.NewWriter(16 + 16*len(w.Commands))
	pw.PutUint32(uint32(len(w.Commands)))
	for _, cmd := range w.Commands {
		pw.PutUint8(uint8(cmd.Kind))
		pw.PutUint32(cmd.Epoch)
		pw.PutLenPrefixed([]byte(cmd.Leader))
		pw.PutUint32(uint32(len(cmd.CopySet)))
		for _, r := range cmd.CopySet {
			pw.PutLenPrefixed([]byte(r))
		}
		pw.PutUint32(uint32(len(cmd.PendingEpochs)))
		for _, e := range cmd.PendingEpochs {
			pw.PutUint32(e)
		}
	}
	return codec.FrameWithCRC(pw.Bytes())
}

func (w *heartbeatResponseWire) UnmarshalWire(data []byte) error {
	payload, _, err := codec.UnframeWithCRC(data)
	if err != nil {
		return err
	}
	pr := codec.NewReader(payload)
	n := pr.GetUint32()
	w.Commands = make([]transport.Command, n)
	for i := range w.Commands {
		w.Commands[i].Kind = transport.CommandKind(pr.GetUint8())
		w.Commands[i].Epoch = pr.GetUint32()
		w.Commands[i].Leader = string(pr.GetLenPrefixed())
		copySetLen := pr.GetUint32()
		w.Commands[i].CopySet = make([]string, copySetLen)
		for j := range w.Commands[i].CopySet {
			w.Commands[i].CopySet[j] = string(pr.GetLenPrefixed())
		}
		pendingLen := pr.GetUint32()
		w.Commands[i].PendingEpochs = make([]uint32, pendingLen)
		for j := range w.Commands[i].PendingEpochs {
			w.Commands[i].PendingEpochs[j] = pr.GetUint32()
		}
	}
	return nil
}

package commitlog

import (
	"github.com/devillove084/arrowlog/codec"
	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/wal"
)

// EncodeRecord serializes a Record into the bit-exact frame layout from
// spec §4.2 / §6:
//
//	u32 length | u32 crc32c(payload) | payload
//
// where payload is:
//
//	u64 stream_id | u32 writer_epoch | u32 segment_epoch | u32 first_index |
//	u64 acked_seq | u32 num_entries | entries[]
//
// and each entry is `u8 kind | u32 len | bytes`.
func EncodeRecord(r *wal.Record) []byte {
	pw := codec.NewWriter(32 + len(r.Entries)*16)
	pw.PutUint64(r.StreamID)
	pw.PutUint32(r.WriterEpoch)
	pw.PutUint32(r.SegmentEpoch)
	pw.PutUint32(r.FirstIndex)
	pw.PutUint64(r.AckedSeq.Uint64())
	pw.PutUint32(uint32(len(r.Entries)))
	for _, e := range r.Entries {
		pw.PutUint8(uint8(e.Kind))
		pw.PutLenPrefixed(e.Bytes)
	}
	return codec.FrameWithCRC(pw.Bytes())
}

// DecodeRecord parses one frame starting at the beginning of buf, returning
// the record and the number of bytes the frame occupied. It returns a
// Corruption error if the buffer is too short to contain a full frame, the
// declared length overruns buf, or the CRC does not match — callers (log
// recovery, learn streaming) treat this as "no more valid records here".
func DecodeRecord(buf []byte) (rec *wal.Record, frameLen int, err error) {
	payload, total, ferr := codec.UnframeWithCRC(buf)
	if ferr != nil {
		return nil, 0, kerrors.Newf(kerrors.Corruption, "record frame: %v", ferr)
	}
	defer func() {
		if p := recover(); p != nil {
			rec, frameLen, err = nil, 0, kerrors.New(kerrors.Corruption, "truncated frame")
		}
	}()

	pr := codec.NewReader(payload)
	r := &wal.Record{}
	r.StreamID = pr.GetUint64()
	r.WriterEpoch = pr.GetUint32()
	r.SegmentEpoch = pr.GetUint32()
	r.FirstIndex = pr.GetUint32()
	r.AckedSeq = wal.SequenceFromUint64(pr.GetUint64())
	numEntries := pr.GetUint32()
	r.Entries = make([]wal.Entry, numEntries)
	for i := range r.Entries {
		kind := wal.EntryKind(pr.GetUint8())
		data := pr.GetLenPrefixed()
		cp := make([]byte, len(data))
		copy(cp, data)
		r.Entries[i] = wal.Entry{Index: r.FirstIndex + uint32(i), Kind: kind, Bytes: cp}
	}
	return r, total, nil
}

// Package manifest implements the version set from spec §4.3: an
// append-only log of VersionEdit records that is replayed to reconstruct
// the latest Version, plus a CURRENT pointer file and grace-period
// retirement of superseded Versions. Grounded in
// original_source/streamdb.rs's VersionSet (recover, current,
// manifest_number, set_next_file_number, truncate_stream) and in the
// teacher's CURRENT-pointer pattern for its HW checkpoint file.
package manifest

import (
	"github.com/devillove084/arrowlog/codec"
	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/wal"
)

// editKind discriminates the VersionEdit variants named by spec §4.3.
type editKind uint8

const (
	editStreamAdd editKind = iota
	editStreamTruncate
	editFileAdd
	editFileDelete
	editNextFileNumber
)

// VersionEdit is one atomic mutation appended to the manifest log. Only
// the fields relevant to Kind are meaningful; the rest are zero.
type VersionEdit struct {
	Kind editKind

	StreamID       uint64
	InitialSeq     wal.Sequence // StreamTruncate: watermark below which entries are gone
	Replicas       []string     // StreamTruncate: replica set recorded for this stream
	FileNumber     uint64       // FileAdd / FileDelete
	NextFileNumber uint64       // NextFileNumber
}

// NewStreamAdd records that streamID now exists.
func NewStreamAdd(streamID uint64) *VersionEdit {
	return &VersionEdit{Kind: editStreamAdd, StreamID: streamID}
}

// NewStreamTruncate records a new truncation watermark and replica set for
// streamID (spec §4.3 "StreamTruncate").
func NewStreamTruncate(streamID uint64, watermark wal.Sequence, replicas []string) *VersionEdit {
	return &VersionEdit{Kind: editStreamTruncate, StreamID: streamID, InitialSeq: watermark, Replicas: replicas}
}

// NewFileAdd records that fileNumber is now live.
func NewFileAdd(fileNumber uint64) *VersionEdit {
	return &VersionEdit{Kind: editFileAdd, FileNumber: fileNumber}
}

// NewFileDelete records that fileNumber is no longer referenced by the
// resulting Version (it becomes eligible for release once no reader still
// needs the Version it was removed from).
func NewFileDelete(fileNumber uint64) *VersionEdit {
	return &VersionEdit{Kind: editFileDelete, FileNumber: fileNumber}
}

// NewNextFileNumber records the manifest's next_file_number watermark.
func NewNextFileNumber(n uint64) *VersionEdit {
	return &VersionEdit{Kind: editNextFileNumber, NextFileNumber: n}
}

// Encode serializes the edit with the same length-prefixed + CRC'd framing
// commitlog uses for record frames (spec's "one bit-exact framer
// underlies every persistent format").
func (e *VersionEdit) Encode() []byte {
	pw := codec.NewWriter(32)
	pw.PutUint8(uint8(e.Kind))
	switch e.Kind {
	case editStreamAdd:
		pw.PutUint64(e.StreamID)
	case editStreamTruncate:
		pw.PutUint64(e.StreamID)
		pw.PutUint64(e.InitialSeq.Uint64())
		pw.PutUint32(uint32(len(e.Replicas)))
		for _, r := range e.Replicas {
			pw.PutLenPrefixed([]byte(r))
		}
	case editFileAdd, editFileDelete:
		pw.PutUint64(e.FileNumber)
	case editNextFileNumber:
		pw.PutUint64(e.NextFileNumber)
	}
	return codec.FrameWithCRC(pw.Bytes())
}

// DecodeEdit parses one framed edit from the start of buf, returning the
// edit and the number of bytes consumed.
func DecodeEdit(buf []byte) (edit *VersionEdit, consumed int, err error) {
	payload, n, err := codec.UnframeWithCRC(buf)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if p := recover(); p != nil {
			edit, consumed, err = nil, 0, kerrors.New(kerrors.Corruption, "truncated manifest edit")
		}
	}()

	r := codec.NewReader(payload)
	e := &VersionEdit{Kind: editKind(r.GetUint8())}
	switch e.Kind {
	case editStreamAdd:
		e.StreamID = r.GetUint64()
	case editStreamTruncate:
		e.StreamID = r.GetUint64()
		e.InitialSeq = wal.SequenceFromUint64(r.GetUint64())
		count := r.GetUint32()
		e.Replicas = make([]string, count)
		for i := range e.Replicas {
			e.Replicas[i] = string(r.GetLenPrefixed())
		}
	case editFileAdd, editFileDelete:
		e.FileNumber = r.GetUint64()
	case editNextFileNumber:
		e.NextFileNumber = r.GetUint64()
	default:
		return nil, 0, kerrors.Newf(kerrors.Corruption, "unknown edit kind %d", e.Kind)
	}
	return e, n, nil
}

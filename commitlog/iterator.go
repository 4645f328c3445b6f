package commitlog

import (
	"io"

	"github.com/devillove084/arrowlog/internal/kerrors"
	"github.com/devillove084/arrowlog/wal"
)

// RecordIterator walks every record frame in one log file in file order,
// used by recovery (replay into partial streams). It is a pure in-memory cursor over a snapshot read via
// segment.readAll, so it never observes writes that land after it was
// constructed.
type RecordIterator struct {
	fileNumber uint64
	buf        []byte
	off        int
}

// Seek repositions the iterator to start decoding at byteOffset, used when
// a learner resumes from a previously recorded (file_number, offset).
func (it *RecordIterator) Seek(byteOffset int64) {
	it.off = int(byteOffset)
}

// Offset returns the iterator's current byte offset within the file, i.e.
// the offset at which the next record (if any) begins.
func (it *RecordIterator) Offset() int64 { return int64(it.off) }

// FileNumber returns the file this iterator walks.
func (it *RecordIterator) FileNumber() uint64 { return it.fileNumber }

// Next decodes and returns the record starting at the iterator's current
// offset, advancing past it. It returns io.EOF once it.off reaches the end
// of the buffer exactly (the normal "caught up to the writer" case) and a
// kerrors.Corruption error if a frame starts before the end of the buffer
// but does not decode cleanly (a torn trailing write or a genuinely
// corrupt record) — recovery (streamdb.replayIntoPartialStreams) tells
// these two apart to decide whether to truncate or abort.
func (it *RecordIterator) Next() (*wal.Record, error) {
	if it.off >= len(it.buf) {
		return nil, io.EOF
	}
	rec, frameLen, err := DecodeRecord(it.buf[it.off:])
	if err != nil {
		return nil, kerrors.Newf(kerrors.Corruption, "log file %d at offset %d: %v", it.fileNumber, it.off, err)
	}
	it.off += frameLen
	return rec, nil
}
